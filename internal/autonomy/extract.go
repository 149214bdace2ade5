package autonomy

import (
	"encoding/json"
	"regexp"
	"strings"
)

// HireRequest is a structured ask for another agent, parsed out of a
// worker's textual output.
type HireRequest struct {
	Capability string                 `json:"capability"`
	Reason     string                 `json:"reason,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

const agentRequestMarker = "[AGENT_REQUEST:"

var (
	needAgentRe = regexp.MustCompile(`\[NEED_AGENT:\s*([^\]]+)\]`)
	reasonRe    = regexp.MustCompile(`\[REASON:\s*([^\]]+)\]`)
	paramsRe    = regexp.MustCompile(`\[PARAMS:\s*(\{[^\]]*\})\s*\]`)

	// Loose natural-language asks. The capture goes through the normalizer,
	// so "market data" and "market_data" both land on the canonical tag.
	naturalRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bI need an? ([a-z_ -]+?) agent\b`),
		regexp.MustCompile(`(?i)\bhire an? ([a-z_ -]+?) agent\b`),
		regexp.MustCompile(`(?i)\bplease find an? ([a-z_ -]+?) agent\b`),
	}
)

// ExtractHireRequest scans output for at most one hire request. Forms are
// tried in order: bracketed JSON, the legacy NEED_AGENT tags, then natural
// language. Only the first match counts; later requests in the same output
// are ignored.
func ExtractHireRequest(output string) (*HireRequest, bool) {
	if req, ok := extractJSONRequest(output); ok {
		return req, true
	}
	if req, ok := extractLegacyRequest(output); ok {
		return req, true
	}
	return extractNaturalRequest(output)
}

func extractJSONRequest(output string) (*HireRequest, bool) {
	idx := strings.Index(output, agentRequestMarker)
	if idx < 0 {
		return nil, false
	}
	rest := output[idx+len(agentRequestMarker):]
	blob, ok := balancedJSON(rest)
	if !ok {
		return nil, false
	}

	var req HireRequest
	if err := json.Unmarshal([]byte(blob), &req); err != nil {
		return nil, false
	}
	req.Capability = strings.TrimSpace(req.Capability)
	if req.Capability == "" {
		return nil, false
	}
	return &req, true
}

// balancedJSON returns the first brace-balanced object in s. String
// literals are respected so braces inside values don't break the count.
func balancedJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func extractLegacyRequest(output string) (*HireRequest, bool) {
	m := needAgentRe.FindStringSubmatch(output)
	if m == nil {
		return nil, false
	}
	req := &HireRequest{Capability: strings.TrimSpace(m[1])}

	if rm := reasonRe.FindStringSubmatch(output); rm != nil {
		req.Reason = strings.TrimSpace(rm[1])
	}
	if pm := paramsRe.FindStringSubmatch(output); pm != nil {
		var params map[string]interface{}
		if json.Unmarshal([]byte(pm[1]), &params) == nil {
			req.Params = params
		}
	}
	return req, true
}

func extractNaturalRequest(output string) (*HireRequest, bool) {
	for _, re := range naturalRes {
		if m := re.FindStringSubmatch(output); m != nil {
			return &HireRequest{
				Capability: strings.TrimSpace(m[1]),
				Reason:     "requested in agent output",
			}, true
		}
	}
	return nil, false
}
