package simulator

import (
	"encoding/json"
)

const (
	codeJSONDecodeFail = -1003
	codeMethodMissing  = -2
)

type smartRequest struct {
	Method           string          `json:"method"`
	Params           json.RawMessage `json:"params,omitempty"`
	RequestTimeMilis int64           `json:"request_time_milis,omitempty"`
	TerminalUUID     string          `json:"terminal_uuid,omitempty"`
}

type smartResponse struct {
	Method    string `json:"method,omitempty"`
	ErrorCode int    `json:"error_code"`
	Result    any    `json:"result,omitempty"`
}

// handleSmart answers a SMART request, either a single method or a
// multipleRequest wrapper
func (d *Device) handleSmart(body []byte, seq int64) []byte {
	var req smartRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		return mustJSON(smartResponse{ErrorCode: codeJSONDecodeFail})
	}

	if req.Method != "multipleRequest" {
		result, code := d.answer(req.Method, req.Params, seq)
		if code != 0 {
			result = nil
		}
		return mustJSON(smartResponse{ErrorCode: code, Result: result})
	}

	var params struct {
		Requests []smartRequest `json:"requests"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return mustJSON(smartResponse{ErrorCode: codeJSONDecodeFail})
	}
	responses := make([]smartResponse, 0, len(params.Requests))
	for _, r := range params.Requests {
		result, code := d.answer(r.Method, r.Params, seq)
		resp := smartResponse{Method: r.Method, ErrorCode: code}
		if code == 0 {
			resp.Result = result
		}
		responses = append(responses, resp)
	}
	return mustJSON(map[string]any{
		"error_code": 0,
		"result":     map[string]any{"responses": responses},
	})
}

// handleIot answers an IOT request {module: {method: params}}. Results are
// looked up by module; every method object carries err_code.
func (d *Device) handleIot(body []byte, seq int64) []byte {
	var req map[string]map[string]json.RawMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return mustJSON(map[string]any{})
	}

	out := make(map[string]any, len(req))
	for module, methods := range req {
		moduleOut := make(map[string]any, len(methods))
		for method, params := range methods {
			result, code := d.answer(module, params, seq)
			obj := toObject(result)
			obj["err_code"] = code
			if code != 0 {
				obj["err_msg"] = "module error"
			}
			moduleOut[method] = obj
		}
		if len(methods) == 0 {
			moduleOut["err_code"] = codeMethodMissing
		}
		out[module] = moduleOut
	}
	return mustJSON(out)
}

func toObject(v any) map[string]any {
	obj := map[string]any{}
	if v == nil {
		return obj
	}
	data, err := json.Marshal(v)
	if err != nil {
		return obj
	}
	_ = json.Unmarshal(data, &obj)
	if obj == nil {
		obj = map[string]any{}
	}
	return obj
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
