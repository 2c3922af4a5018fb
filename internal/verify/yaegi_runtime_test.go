package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luminara.dev/orchestrator/internal/intent"
)

func TestYaegiRejectsForbiddenImports(t *testing.T) {
	rt := NewYaegiRuntime(nil)
	_, err := rt.Load([]byte("import \"os\"\n\nfunc main(input string) (string, error) { return \"\", nil }"), intent.LanguagePortableBinary)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestYaegiRejectsWrongLanguage(t *testing.T) {
	rt := NewYaegiRuntime(nil)
	_, err := rt.Load([]byte("func main(input string) (string, error) { return \"\", nil }"), intent.LanguageVMBytecode)
	require.Error(t, err)
}

func TestYaegiExecutesExportedFunction(t *testing.T) {
	rt := NewYaegiRuntime(nil)
	id, err := rt.Load([]byte(`func Greet(input string) (string, error) { return "hello " + input, nil }`), intent.LanguagePortableBinary)
	require.NoError(t, err)

	out, err := rt.Call(context.Background(), id, "Greet", "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestYaegiMissingFunctionIsCrash(t *testing.T) {
	rt := NewYaegiRuntime(nil)
	id, err := rt.Load([]byte(`func Greet(input string) (string, error) { return "", nil }`), intent.LanguagePortableBinary)
	require.NoError(t, err)

	_, err = rt.Call(context.Background(), id, "NoSuchFunction")
	require.Error(t, err)
}

func TestYaegiWallClockLimit(t *testing.T) {
	rt := NewYaegiRuntime(nil)
	id, err := rt.Load([]byte(`
import "time"

func Spin(input string) (string, error) {
	time.Sleep(10 * time.Second)
	return "", nil
}`), intent.LanguagePortableBinary)
	require.NoError(t, err)
	require.NoError(t, rt.SetLimits(id, Limits{WallClock: 50 * time.Millisecond}))

	_, err = rt.Call(context.Background(), id, "Spin")
	var limit LimitExceeded
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, LimitTime, limit.Limit)
}

func TestYaegiAPICallLimit(t *testing.T) {
	host := &fakeHost{}
	rt := NewYaegiRuntime(host)
	id, err := rt.Load([]byte(`
import "world"

func Flood(input string) (string, error) {
	for i := 0; i < 100; i = i + 1 {
		world.SpawnEntity("x")
	}
	return "", nil
}`), intent.LanguagePortableBinary)
	require.NoError(t, err)
	require.NoError(t, rt.SetLimits(id, Limits{WallClock: 5 * time.Second, APICalls: 10}))

	_, err = rt.Call(context.Background(), id, "Flood")
	var limit LimitExceeded
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, LimitAPICalls, limit.Limit)
	assert.LessOrEqual(t, host.spawns, 10, "calls past the limit never reach the host")
}

// fakeHost records spawn calls.
type fakeHost struct {
	spawns int
}

func (f *fakeHost) SpawnEntity(name string) (string, error)             { f.spawns++; return "id", nil }
func (f *fakeHost) SetComponent(entity, typeTag, valueJSON string) error { return nil }
func (f *fakeHost) GetComponent(entity, typeTag string) (string, error)  { return "", nil }
func (f *fakeHost) DestroyEntity(entity string) error                    { return nil }
