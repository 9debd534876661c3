// Package inferencerpc exposes the classifier over gRPC and lets the
// service use a remote classifier as its model backend.
//
// The service uses protobuf well-known wrapper messages, so no generated
// code is needed:
//
//	storeclassifier.v1.Inference/Predict   BytesValue -> BytesValue
//	storeclassifier.v1.Inference/Describe  Empty      -> UInt32Value
//
// Tensors and score vectors travel as little-endian float32 arrays.
package inferencerpc

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	ServiceName    = "storeclassifier.v1.Inference"
	predictMethod  = "/" + ServiceName + "/Predict"
	describeMethod = "/" + ServiceName + "/Describe"
)

func encodeFloats(values []float32) []byte {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a float32 array", len(buf))
	}
	values := make([]float32, len(buf)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return values, nil
}
