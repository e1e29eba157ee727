package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"os"
)

const uploadBufferSize = 32 * 1024

// HandleUpload streams every file part of mr into the workspace and returns
// the number of files written. Parts without a filename parameter (plain form
// fields) are skipped; an empty filename is invalid. The first invalid file
// name or I/O error stops processing; the count of files completed before it
// is returned with the error.
func (s *Store) HandleUpload(ctx context.Context, id string, mr *multipart.Reader) (int, error) {
	if _, err := s.EnsureDirectory(id); err != nil {
		return 0, err
	}

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read multipart: %w", err)
		}

		name, isFile := rawFileName(part)
		if !isFile {
			part.Close()
			continue
		}

		path, err := s.ResolveFile(id, name)
		if err != nil {
			part.Close()
			return count, err
		}

		err = writeFile(path, part)
		part.Close()
		if err != nil {
			return count, fmt.Errorf("write %s/%s: %w", id, name, err)
		}
		count++
	}
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, uploadBufferSize)
	if _, err := io.Copy(w, r); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rawFileName returns the filename parameter exactly as the client sent it,
// and whether the part carries one at all. multipart.Part.FileName applies
// filepath.Base, which would silently turn "../../etc/passwd" into "passwd"
// instead of letting validation reject it. A present but empty filename is
// returned as a file part so validation rejects it too.
func rawFileName(p *multipart.Part) (string, bool) {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}
