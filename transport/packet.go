package transport

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/radon/crypto"
)

// PacketType names a frame on the wire.
type PacketType string

const (
	PacketAuth         PacketType = "AUTH"
	PacketAck          PacketType = "ACK"
	PacketRouteRequest PacketType = "ROUTE_REQ"
	PacketRouteAdd     PacketType = "ROUTE_ADD"
	PacketRouteDel     PacketType = "ROUTE_DEL"
	PacketError        PacketType = "ERROR"
)

// Valid reports whether t belongs to the closed set of packet types.
func (t PacketType) Valid() bool {
	switch t {
	case PacketAuth, PacketAck, PacketRouteRequest, PacketRouteAdd, PacketRouteDel, PacketError:
		return true
	}
	return false
}

// Packet is one decoded frame. The concrete type identifies both the
// packet type and the payload shape.
type Packet interface {
	Type() PacketType
}

// AuthHello opens a handshake: the connector presents its identity.
type AuthHello struct {
	PublicKey crypto.PublicKey
}

// AuthChallenge carries a nonce sealed for the claimed identity.
type AuthChallenge struct {
	Challenge string
}

// AuthResponse carries the recovered nonce re-sealed for the acceptor.
type AuthResponse struct {
	EncryptedResponse string
}

// Ack reports the outcome of a handshake.
type Ack struct {
	Success bool
}

// RouteRequest asks a router for its full table.
type RouteRequest struct{}

// RouteTable is a router's full table, sent in reply to a RouteRequest.
type RouteTable struct {
	Routes map[crypto.PublicKey][]crypto.PublicKey
}

// RouteAdd announces that Router can now reach Client.
type RouteAdd struct {
	Client crypto.PublicKey
	Router crypto.PublicKey
}

// RouteDel retracts a RouteAdd.
type RouteDel struct {
	Client crypto.PublicKey
	Router crypto.PublicKey
}

// ErrorMessage is a human readable refusal.
type ErrorMessage struct {
	Message string
}

func (AuthHello) Type() PacketType     { return PacketAuth }
func (AuthChallenge) Type() PacketType { return PacketAuth }
func (AuthResponse) Type() PacketType  { return PacketAuth }
func (Ack) Type() PacketType           { return PacketAck }
func (RouteRequest) Type() PacketType  { return PacketRouteRequest }
func (RouteTable) Type() PacketType    { return PacketRouteRequest }
func (RouteAdd) Type() PacketType      { return PacketRouteAdd }
func (RouteDel) Type() PacketType      { return PacketRouteDel }
func (ErrorMessage) Type() PacketType  { return PacketError }

// DecodeError reports a frame that could not be turned into a Packet.
// A connection that reads one is closed.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode packet: %s: %v", e.Reason, e.Err)
	}
	return "decode packet: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// frame is the self-describing envelope: {"type": ..., "data": {...}}.
type frame struct {
	Type PacketType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

type authData struct {
	PublicKey         *crypto.PublicKey `json:"publicKey,omitempty"`
	Challenge         *string           `json:"challenge,omitempty"`
	EncryptedResponse *string           `json:"encryptedResponse,omitempty"`
	// Answer is the legacy spelling of encryptedResponse; decode only.
	Answer *string `json:"answer,omitempty"`
}

type ackData struct {
	Success *bool `json:"success"`
}

type routesData struct {
	Routes *map[crypto.PublicKey][]crypto.PublicKey `json:"routes,omitempty"`
}

type routeData struct {
	Client *crypto.PublicKey `json:"client"`
	Router *crypto.PublicKey `json:"router"`
}

type errorData struct {
	Message *string `json:"message"`
}

// Encode serializes a packet into one text frame.
func Encode(p Packet) ([]byte, error) {
	var data interface{}

	switch v := p.(type) {
	case AuthHello:
		data = authData{PublicKey: &v.PublicKey}
	case AuthChallenge:
		data = authData{Challenge: &v.Challenge}
	case AuthResponse:
		data = authData{EncryptedResponse: &v.EncryptedResponse}
	case Ack:
		data = ackData{Success: &v.Success}
	case RouteRequest:
		data = struct{}{}
	case RouteTable:
		routes := v.Routes
		if routes == nil {
			routes = map[crypto.PublicKey][]crypto.PublicKey{}
		}
		data = routesData{Routes: &routes}
	case RouteAdd:
		data = routeData{Client: &v.Client, Router: &v.Router}
	case RouteDel:
		data = routeData{Client: &v.Client, Router: &v.Router}
	case ErrorMessage:
		data = errorData{Message: &v.Message}
	default:
		return nil, fmt.Errorf("encode packet: unsupported packet %T", p)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}

	return json.Marshal(frame{Type: p.Type(), Data: raw})
}

// Decode parses one text frame. Every failure is a *DecodeError.
func Decode(b []byte) (Packet, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if !f.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown packet type %q", f.Type)}
	}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		f.Data = json.RawMessage("{}")
	}

	switch f.Type {
	case PacketAuth:
		return decodeAuth(f.Data)
	case PacketAck:
		var d ackData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		if d.Success == nil {
			return nil, &DecodeError{Reason: "ACK without success"}
		}
		return Ack{Success: *d.Success}, nil
	case PacketRouteRequest:
		var d routesData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		if d.Routes == nil {
			return RouteRequest{}, nil
		}
		routes := *d.Routes
		if routes == nil {
			routes = map[crypto.PublicKey][]crypto.PublicKey{}
		}
		return RouteTable{Routes: routes}, nil
	case PacketRouteAdd, PacketRouteDel:
		var d routeData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		if d.Client == nil || d.Router == nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("%s requires client and router", f.Type)}
		}
		if f.Type == PacketRouteAdd {
			return RouteAdd{Client: *d.Client, Router: *d.Router}, nil
		}
		return RouteDel{Client: *d.Client, Router: *d.Router}, nil
	default:
		var d errorData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		if d.Message == nil {
			return nil, &DecodeError{Reason: "ERROR without message"}
		}
		return ErrorMessage{Message: *d.Message}, nil
	}
}

func decodeAuth(raw json.RawMessage) (Packet, error) {
	var d authData
	if err := unmarshalData(raw, &d); err != nil {
		return nil, err
	}

	if d.EncryptedResponse == nil {
		d.EncryptedResponse = d.Answer
	}

	var found []Packet
	if d.PublicKey != nil {
		found = append(found, AuthHello{PublicKey: *d.PublicKey})
	}
	if d.Challenge != nil {
		found = append(found, AuthChallenge{Challenge: *d.Challenge})
	}
	if d.EncryptedResponse != nil {
		found = append(found, AuthResponse{EncryptedResponse: *d.EncryptedResponse})
	}

	if len(found) != 1 {
		return nil, &DecodeError{Reason: fmt.Sprintf("AUTH payload matches %d shapes, want 1", len(found))}
	}
	return found[0], nil
}

func unmarshalData(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Reason: "malformed payload", Err: err}
	}
	return nil
}
