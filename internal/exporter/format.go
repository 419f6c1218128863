package exporter

import (
	"encoding/binary"
	"errors"
)

// A QGraph file starts with a fixed little-endian header, followed by
// 64-byte-aligned sections and a trailing section directory the header
// points at. Section payloads are JSON except TensorData, which is the
// raw concatenated tensor bytes.
const (
	magicQGraph = "QGR\x00"

	currentMajor uint16 = 1
	currentMinor uint16 = 0

	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 64
)

var (
	ErrInvalidMagic     = errors.New("exporter: invalid artifact magic")
	ErrUnsupportedMajor = errors.New("exporter: unsupported artifact major version")
	ErrCorruptArtifact  = errors.New("exporter: corrupt artifact")
)

type sectionType uint32

const (
	sectionModelInfo   sectionType = 0x0001
	sectionQuantInfo   sectionType = 0x0002
	sectionTensorIndex sectionType = 0x0003
	sectionTensorData  sectionType = 0x0004
)

type fileHeader struct {
	Major            uint16
	Minor            uint16
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

type section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func encodeHeader(dst []byte, h fileHeader) bool {
	if len(dst) < headerSize {
		return false
	}
	copy(dst[0:4], magicQGraph)
	binary.LittleEndian.PutUint16(dst[4:], h.Major)
	binary.LittleEndian.PutUint16(dst[6:], h.Minor)
	binary.LittleEndian.PutUint32(dst[8:], headerSize)
	binary.LittleEndian.PutUint32(dst[12:], h.SectionCount)
	binary.LittleEndian.PutUint64(dst[16:], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(dst[24:], h.FileSize)
	binary.LittleEndian.PutUint64(dst[32:], h.Flags)
	return true
}

func decodeHeader(src []byte) (fileHeader, error) {
	var h fileHeader
	if len(src) < headerSize {
		return h, ErrCorruptArtifact
	}
	if string(src[0:4]) != magicQGraph {
		return h, ErrInvalidMagic
	}
	h.Major = binary.LittleEndian.Uint16(src[4:])
	h.Minor = binary.LittleEndian.Uint16(src[6:])
	if h.Major != currentMajor {
		return h, ErrUnsupportedMajor
	}
	if binary.LittleEndian.Uint32(src[8:]) != headerSize {
		return h, ErrCorruptArtifact
	}
	h.SectionCount = binary.LittleEndian.Uint32(src[12:])
	h.SectionDirOffset = binary.LittleEndian.Uint64(src[16:])
	h.FileSize = binary.LittleEndian.Uint64(src[24:])
	h.Flags = binary.LittleEndian.Uint64(src[32:])
	if h.SectionCount == 0 {
		return h, ErrCorruptArtifact
	}
	return h, nil
}

func encodeSection(dst []byte, s section) bool {
	if len(dst) < sectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(dst[0:], s.Type)
	binary.LittleEndian.PutUint32(dst[4:], s.Version)
	binary.LittleEndian.PutUint64(dst[8:], s.Offset)
	binary.LittleEndian.PutUint64(dst[16:], s.Size)
	return true
}

func decodeSection(src []byte) (section, bool) {
	var s section
	if len(src) < sectionSize {
		return s, false
	}
	s.Type = binary.LittleEndian.Uint32(src[0:])
	s.Version = binary.LittleEndian.Uint32(src[4:])
	s.Offset = binary.LittleEndian.Uint64(src[8:])
	s.Size = binary.LittleEndian.Uint64(src[16:])
	return s, true
}
