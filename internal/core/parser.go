package core

import (
	"encoding/json"
	"fmt"
)

// ParseCallType maps a stored call type name back to its discriminator.
func ParseCallType(s string) (CallType, error) {
	switch s {
	case "Initialize":
		return CallTypeInitialize, nil
	case "AddMarket":
		return CallTypeAddMarket, nil
	case "OpenPosition":
		return CallTypeOpenPosition, nil
	case "ResolveOpenPosition":
		return CallTypeResolveOpenPosition, nil
	case "ClosePosition":
		return CallTypeClosePosition, nil
	default:
		return CallTypeUnknown, fmt.Errorf("unknown call type: %q", s)
	}
}

// ParseCall decodes a logged call payload back into its typed form.
// Used by replay on startup: every row in the call log round-trips through
// this function.
func ParseCall(ct CallType, payload []byte) (Call, error) {
	var call Call
	switch ct {
	case CallTypeInitialize:
		call = &Initialize{}
	case CallTypeAddMarket:
		call = &AddMarket{}
	case CallTypeOpenPosition:
		call = &OpenPosition{}
	case CallTypeResolveOpenPosition:
		call = &ResolveOpenPosition{}
	case CallTypeClosePosition:
		call = &ClosePosition{}
	default:
		return nil, fmt.Errorf("unknown call type: %d", ct)
	}
	if err := json.Unmarshal(payload, call); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ct, err)
	}
	return call, nil
}

// EncodeCall serializes a call payload for the log.
func EncodeCall(c Call) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", c.CallType(), err)
	}
	return payload, nil
}
