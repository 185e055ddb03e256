// Package api is the hand-written wire surface of rangekv: message types,
// service descriptors, and client/server bindings for the raft transport,
// snapshot streaming, and the key-value front door. Messages travel under a
// JSON codec so the types stay plain Go structs.
package api

import (
	"encoding/json"

	"google.golang.org/grpc"
)

// JSONCodec encodes rangekv messages as JSON. Servers install it with
// grpc.ForceServerCodec, clients with grpc.ForceCodec on each call or
// grpc.WithDefaultCallOptions at dial time.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (JSONCodec) Name() string { return "rangekv-json" }

// CallOption forces the rangekv codec on a client call.
func CallOption() grpc.CallOption { return grpc.ForceCodec(JSONCodec{}) }
