package dockeradapter

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// tarSingleFile wraps content in a tar stream containing one entry at path,
// the format CopyToContainer requires.
func tarSingleFile(path string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Join("workspace", path),
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// untarSingleFile reads the first regular file entry out of a tar stream,
// the format CopyFromContainer returns.
func untarSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("dockeradapter: no file found in tar stream")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

func parseDockerTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
