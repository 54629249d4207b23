package proto

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
)

// Envelope table slots, shared by Request and Response.
const (
	slotID = iota
	slotDataType
	slotData
	envelopeSlots
)

// Request is a client-to-target message.
type Request struct {
	ID   uint32
	Data Payload
}

// Type returns the data type of the request payload.
func (r *Request) Type() DataType {
	if r.Data == nil {
		return TypeNone
	}
	return r.Data.DataType()
}

// Response is a target-to-client message. ID 0 marks an unsolicited event.
type Response struct {
	ID   uint32
	Data Payload
}

// Type returns the data type of the response payload.
func (r *Response) Type() DataType {
	if r.Data == nil {
		return TypeNone
	}
	return r.Data.DataType()
}

// IsEvent reports whether the response is an unsolicited event.
func (r *Response) IsEvent() bool {
	return r.ID == 0
}

// NewRequestData returns an empty request payload for the given type.
func NewRequestData(t DataType) (Payload, bool) {
	switch t {
	case TypeAttach:
		return &AttachRequest{}, true
	case TypeStop:
		return &StopRequest{}, true
	case TypeBreak:
		return &BreakRequest{}, true
	case TypeContinue:
		return &ContinueRequest{}, true
	case TypeStep:
		return &StepRequest{}, true
	case TypeListModules:
		return &ListModulesRequest{}, true
	case TypeGetModule:
		return &GetModuleRequest{}, true
	case TypeListFunctions:
		return &ListFunctionsRequest{}, true
	case TypeGetFunction:
		return &GetFunctionRequest{}, true
	case TypeListThreads:
		return &ListThreadsRequest{}, true
	case TypeAddBreakpoints:
		return &AddBreakpointsRequest{}, true
	case TypeRemoveBreakpoints:
		return &RemoveBreakpointsRequest{}, true
	default:
		return nil, false
	}
}

// NewResponseData returns an empty response or event payload for the given type.
func NewResponseData(t DataType) (Payload, bool) {
	switch t {
	case TypeAttach:
		return &AttachResponse{}, true
	case TypeStop:
		return &StopResponse{}, true
	case TypeBreak:
		return &BreakResponse{}, true
	case TypeContinue:
		return &ContinueResponse{}, true
	case TypeStep:
		return &StepResponse{}, true
	case TypeListModules:
		return &ListModulesResponse{}, true
	case TypeGetModule:
		return &GetModuleResponse{}, true
	case TypeListFunctions:
		return &ListFunctionsResponse{}, true
	case TypeGetFunction:
		return &GetFunctionResponse{}, true
	case TypeListThreads:
		return &ListThreadsResponse{}, true
	case TypeAddBreakpoints:
		return &AddBreakpointsResponse{}, true
	case TypeRemoveBreakpoints:
		return &RemoveBreakpointsResponse{}, true
	case TypeError:
		return &ErrorResponse{}, true
	case TypeBreakpointHit:
		return &BreakpointHitEvent{}, true
	case TypeAccessViolation:
		return &AccessViolationEvent{}, true
	default:
		return nil, false
	}
}

// EncodeRequest serializes a request body (without the length prefix).
func EncodeRequest(req *Request) ([]byte, error) {
	return encode(req.ID, req.Data)
}

// EncodeResponse serializes a response body (without the length prefix).
func EncodeResponse(resp *Response) ([]byte, error) {
	return encode(resp.ID, resp.Data)
}

func encode(id uint32, data Payload) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("encode message %d: %w", id, ErrUnknownType)
	}
	b := flatbuffers.NewBuilder(128)
	finishEnvelope(b, id, data.DataType(), data.build(b))
	return b.FinishedBytes(), nil
}

func finishEnvelope(b *flatbuffers.Builder, id uint32, t DataType, payload flatbuffers.UOffsetT) {
	b.StartObject(envelopeSlots)
	b.PrependUint32Slot(slotID, id, 0)
	b.PrependUint8Slot(slotDataType, uint8(t), 0)
	b.PrependUOffsetTSlot(slotData, payload, 0)
	b.Finish(b.EndObject())
}

// DecodeRequest parses a request body.
func DecodeRequest(body []byte) (*Request, error) {
	id, data, err := decode(body, NewRequestData)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Data: data}, nil
}

// DecodeResponse parses a response or event body.
func DecodeResponse(body []byte) (*Response, error) {
	id, data, err := decode(body, NewResponseData)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Data: data}, nil
}

// PeekID returns the envelope id of a body without decoding the payload.
func PeekID(body []byte) (id uint32, ok bool) {
	defer func() {
		if recover() != nil {
			id, ok = 0, false
		}
	}()
	return rootTable(body).u32(slotID), true
}

func decode(body []byte, factory func(DataType) (Payload, bool)) (id uint32, data Payload, err error) {
	var t DataType
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = &ProtocolError{ID: id, Type: t, Err: recovered(r)}
		}
	}()

	root := rootTable(body)
	id = root.u32(slotID)
	t = DataType(root.u8(slotDataType))

	data, ok := factory(t)
	if !ok {
		return id, nil, &ProtocolError{ID: id, Type: t, Err: ErrUnknownType}
	}

	var payload table
	if !root.union(slotData, &payload) {
		return id, nil, &ProtocolError{ID: id, Type: t, Err: ErrMissingPayload}
	}
	data.read(&payload)

	return id, data, nil
}

// recovered maps a panic raised while reading a buffer to an error. Reads
// past the end of the buffer are reported as truncation.
func recovered(r any) error {
	if err, ok := r.(error); ok {
		if err == ErrTruncated {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return fmt.Errorf("%w: %v", ErrTruncated, r)
}
