package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Send uploads local to remote over SFTP, keeping the local file mode.
func (s *NativeShell) Send(ctx context.Context, local, remote string, makedirs bool) (*ExecResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", local).
		Str("remote", remote).
		Bool("makedirs", makedirs).
		Msg("uploading file")

	localFile, err := os.Open(local)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to open local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}
	defer localFile.Close()

	fileInfo, err := localFile.Stat()
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to stat local file: %w", err),
			IsTemporary: false,
			IsAuthError: false,
		}
	}

	client, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}
	defer sftpClient.Close()

	if makedirs {
		if err := sftpClient.MkdirAll(path.Dir(remote)); err != nil {
			return uploadFailure(startTime, fmt.Errorf("failed to create remote directory: %w", err)), nil
		}
	}

	remoteFile, err := sftpClient.Create(remote)
	if err != nil {
		return uploadFailure(startTime, fmt.Errorf("failed to create remote file: %w", err)), nil
	}
	defer remoteFile.Close()

	bytesWritten, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return nil, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
			IsAuthError: false,
		}
	}

	if err := sftpClient.Chmod(remote, fileInfo.Mode().Perm()); err != nil {
		log.Warn().Err(err).Msg("failed to set file permissions")
	}

	duration := time.Since(startTime)
	log.Debug().
		Str("local", local).
		Str("remote", remote).
		Int64("bytes", bytesWritten).
		Dur("duration", duration).
		Msg("file uploaded")

	return &ExecResult{ExitCode: 0, Duration: duration}, nil
}

// uploadFailure reports a remote-side refusal the way scp would: a non-zero exit and a message.
func uploadFailure(start time.Time, err error) *ExecResult {
	return &ExecResult{
		Stderr:   "scp: " + err.Error(),
		ExitCode: 1,
		Duration: time.Since(start),
	}
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
