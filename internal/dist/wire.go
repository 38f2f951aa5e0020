package dist

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Collective frames are [1 byte op][uint32 LE payload length][payload].
// Payload vectors are little-endian float64 words.
const (
	opHello byte = iota + 1
	opBarrier
	opRelease
	opReduce
	opReduceResult
	opBroadcast
)

const maxFrameBytes = 1 << 31

func writeFrame(conn net.Conn, op byte, payload []byte, deadline time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	hdr := [5]byte{op}
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return errors.Wrap(err, "write frame payload")
		}
	}
	return nil
}

func readFrame(conn net.Conn, want byte, deadline time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}
	if hdr[0] != want {
		return nil, errors.Errorf("unexpected frame op %d, want %d", hdr[0], want)
	}
	n := binary.LittleEndian.Uint32(hdr[1:])
	if n > maxFrameBytes {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, errors.Wrap(err, "read frame payload")
	}
	return payload, nil
}

func encodeFloat64s(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeFloat64s(buf []byte, dst []float64) error {
	if len(buf) != len(dst)*8 {
		return errors.Errorf("payload of %d bytes does not hold %d float64 values", len(buf), len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return nil
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeFloat32s(buf []byte, dst []float32) error {
	if len(buf) != len(dst)*4 {
		return errors.Errorf("payload of %d bytes does not hold %d float32 values", len(buf), len(dst))
	}
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return nil
}
