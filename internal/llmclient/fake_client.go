package llmclient

import "context"

// FakeClient is a deterministic Client for tests: it returns a
// pre-programmed response for a prompt, or Default when no exact match
// exists.
type FakeClient struct {
	Responses map[string]Response
	Default   Response
	Calls     []Request
}

// NewFakeClient constructs a FakeClient keyed by exact prompt match.
func NewFakeClient(responses map[string]Response) *FakeClient {
	return &FakeClient{Responses: responses}
}

func (f *FakeClient) Complete(_ context.Context, req Request) (Response, error) {
	f.Calls = append(f.Calls, req)
	if resp, ok := f.Responses[req.Prompt]; ok {
		return resp, nil
	}
	return f.Default, nil
}

var _ Client = (*FakeClient)(nil)
