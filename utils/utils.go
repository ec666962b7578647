package utils

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// UInt16ToBytes converts an uint16 variable to a byte array
// in big endian format.
func UInt16ToBytes(num uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, num)
	return buf
}

// BytesToUInt16 is the inverse of UInt16ToBytes.
func BytesToUInt16(buf []byte) (uint16, error) {
	if len(buf) != 2 {
		return 0, fmt.Errorf("Expected 2 bytes (got %d)", len(buf))
	}
	return binary.BigEndian.Uint16(buf), nil
}

// WriteFile writes buf to a file whose path is indicated by filename.
func WriteFile(filename string, buf []byte, perm os.FileMode) error {
	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("Can't write file. File '%s' already exists\n",
			filename)
	}

	if err := os.WriteFile(filename, buf, perm); err != nil {
		return err
	}
	return nil
}

// ResolvePath returns the absolute path of file.
// This will use other as a base path if file is just a file name.
func ResolvePath(file, other string) string {
	if !filepath.IsAbs(file) {
		file = filepath.Join(filepath.Dir(other), file)
	}
	return file
}
