package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Primitive wire encoding. All integers are big-endian. Strings are a
// uint16 length followed by UTF-8 bytes; optional values are a presence
// byte followed by the value.

const maxStringLength = 0xFFFF

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrInvalidBool   = errors.New("invalid boolean value")
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func WriteBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return WriteUint8(w, b)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

func WriteString(w io.Writer, s string) error {
	if len(s) > maxStringLength {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) > 0 {
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteOptionalString writes a presence byte followed by the string when
// s is non-nil.
func WriteOptionalString(w io.Writer, s *string) error {
	if err := WriteBool(w, s != nil); err != nil {
		return err
	}
	if s == nil {
		return nil
	}
	return WriteString(w, *s)
}

func ReadOptionalString(r io.Reader) (*string, error) {
	present, err := ReadBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
