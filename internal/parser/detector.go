package parser

import (
	"bytes"
	"io"
	"os"
)

type FileType string

const (
	FileTypeFIT     FileType = "fit"
	FileTypeTCX     FileType = "tcx"
	FileTypeGPX     FileType = "gpx"
	FileTypeUnknown FileType = "unknown"
)

func DetectFileType(path string) (FileType, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer file.Close()

	// Read first 512 bytes for detection
	header := make([]byte, 512)
	n, err := io.ReadFull(file, header)
	if err != nil && n == 0 {
		return FileTypeUnknown, err
	}

	return DetectFileTypeFromData(header[:n]), nil
}

func DetectFileTypeFromData(data []byte) FileType {
	// FIT files carry ".FIT" at bytes 8..12 of the header
	if len(data) >= 12 && bytes.Equal(data[8:12], []byte(".FIT")) {
		return FileTypeFIT
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if bytes.HasPrefix(trimmed, []byte("<?xml")) || bytes.HasPrefix(trimmed, []byte("<")) {
		head := prefix(trimmed, 500)
		if bytes.Contains(head, []byte("<gpx")) ||
			bytes.Contains(head, []byte("topografix.com/GPX")) {
			return FileTypeGPX
		}
		if bytes.Contains(head, []byte("TrainingCenterDatabase")) {
			return FileTypeTCX
		}
	}

	return FileTypeUnknown
}

func prefix(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
