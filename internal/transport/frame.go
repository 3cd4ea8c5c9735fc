package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/iudanet/pairsync/internal/wire"
)

// maxFrameSize верхняя граница размера кадра. Changeset-ы нарезаются
// оркестратором на порции, поэтому лимита с запасом хватает.
const maxFrameSize = 16 << 20 // 16 MiB

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// writeFrame пишет один кадр: uint32 big-endian длина + CBOR тело
func writeFrame(w io.Writer, frame *wire.Frame) error {
	body, err := encMode.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	if len(body) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}

	return nil
}

// readFrame читает один кадр
func readFrame(r io.Reader) (*wire.Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}

	var frame wire.Frame
	if err := decMode.Unmarshal(body, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	return &frame, nil
}
