package trace

import (
	"bytes"
	"encoding/binary"
)

// MappedRegionSource says where replay obtains the bytes of a recorded
// mapping.
type MappedRegionSource int

const (
	// zero-fill; the recording produced the contents some other way
	SourceZero MappedRegionSource = iota
	// contents stored in the trace as raw data
	SourceTrace
	// re-mapped from a live file named by BackingPath
	SourceFile
)

// MappedRegion is one entry of the mmaps substream: everything replay needs
// to decide how to reconstruct one tracee mapping.
type MappedRegion struct {
	GlobalTime uint64
	Tid        int32

	Start  uint64
	End    uint64
	Prot   int32
	Flags  int32
	Offset int64

	DevMajor uint64
	DevMinor uint64
	Inode    uint64

	Fsname string

	Source MappedRegionSource
	// for SourceFile: the path to map at replay (a clone, a hard link,
	// or the original file)
	BackingPath string

	// backing file metadata at capture time
	FileSize  uint64
	FileMtime int64
}

func (mr *MappedRegion) encode() []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian

	var fixed [77]byte
	le.PutUint64(fixed[0:], mr.GlobalTime)
	le.PutUint32(fixed[8:], uint32(mr.Tid))
	le.PutUint64(fixed[12:], mr.Start)
	le.PutUint64(fixed[20:], mr.End)
	le.PutUint32(fixed[28:], uint32(mr.Prot))
	le.PutUint32(fixed[32:], uint32(mr.Flags))
	le.PutUint64(fixed[36:], uint64(mr.Offset))
	le.PutUint64(fixed[44:], mr.DevMajor)
	le.PutUint64(fixed[52:], mr.DevMinor)
	le.PutUint64(fixed[60:], mr.Inode)
	fixed[68] = uint8(mr.Source)
	le.PutUint64(fixed[69:], mr.FileSize)
	buf.Write(fixed[:])

	var mtime [8]byte
	le.PutUint64(mtime[:], uint64(mr.FileMtime))
	buf.Write(mtime[:])

	writeString(&buf, mr.Fsname)
	writeString(&buf, mr.BackingPath)
	return buf.Bytes()
}

func decodeMappedRegion(read func([]byte) error) (MappedRegion, error) {
	le := binary.LittleEndian
	var mr MappedRegion

	var fixed [85]byte
	if err := read(fixed[:]); err != nil {
		return mr, err
	}
	mr.GlobalTime = le.Uint64(fixed[0:])
	mr.Tid = int32(le.Uint32(fixed[8:]))
	mr.Start = le.Uint64(fixed[12:])
	mr.End = le.Uint64(fixed[20:])
	mr.Prot = int32(le.Uint32(fixed[28:]))
	mr.Flags = int32(le.Uint32(fixed[32:]))
	mr.Offset = int64(le.Uint64(fixed[36:]))
	mr.DevMajor = le.Uint64(fixed[44:])
	mr.DevMinor = le.Uint64(fixed[52:])
	mr.Inode = le.Uint64(fixed[60:])
	mr.Source = MappedRegionSource(fixed[68])
	mr.FileSize = le.Uint64(fixed[69:])
	mr.FileMtime = int64(le.Uint64(fixed[77:]))

	var err error
	if mr.Fsname, err = readString(read); err != nil {
		return mr, err
	}
	if mr.BackingPath, err = readString(read); err != nil {
		return mr, err
	}
	return mr, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(s)))
	buf.Write(size[:])
	buf.WriteString(s)
}

func readString(read func([]byte) error) (string, error) {
	var size [4]byte
	if err := read(size[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n == 0 {
		return "", nil
	}
	raw := make([]byte, n)
	if err := read(raw); err != nil {
		return "", err
	}
	return string(raw), nil
}
