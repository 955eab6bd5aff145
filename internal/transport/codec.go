package transport

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"example.com/causalq/internal/types"
	"golang.org/x/crypto/sha3"
)

// frame is what travels on a TCP stream: a gob-encoded Message and the
// SHA3-256 digest of those bytes. Seq counts frames per (sender, receiver)
// pair starting at 1; a frame resent after a reconnect keeps its number.
type frame struct {
	From   types.Rank
	Seq    uint64
	Body   []byte
	Digest [32]byte
}

func sealFrame(from types.Rank, msg types.Message) (frame, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return frame{}, err
	}
	body := buf.Bytes()
	return frame{From: from, Body: body, Digest: sha3.Sum256(body)}, nil
}

func openFrame(f frame) (types.Message, error) {
	if sha3.Sum256(f.Body) != f.Digest {
		return types.Message{}, fmt.Errorf("%w: digest mismatch from %d", ErrCorrupt, f.From)
	}
	var msg types.Message
	if err := gob.NewDecoder(bytes.NewReader(f.Body)).Decode(&msg); err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return msg, nil
}
