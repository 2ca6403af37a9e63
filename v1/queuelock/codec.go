package queuelock

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// Codec encodes the queue blob. Every process sharing a key must use the
// same codec. An empty or null blob decodes to an empty queue.
type Codec interface {
	Marshal(q Queue) ([]byte, error)
	Unmarshal(data []byte) (Queue, error)
}

// JSONCodec stores the queue as a JSON array of tickets.
type JSONCodec struct{}

func (JSONCodec) Marshal(q Queue) ([]byte, error) { return json.Marshal(q) }

func (JSONCodec) Unmarshal(data []byte) (Queue, error) {
	var q Queue
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return q, nil
}

// GobCodec stores the queue with encoding/gob. It is smaller than JSON but
// only readable by Go processes.
type GobCodec struct{}

func (GobCodec) Marshal(q Queue) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(q); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte) (Queue, error) {
	var q Queue
	if len(data) == 0 {
		return q, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&q); err != nil {
		return nil, err
	}
	return q, nil
}
