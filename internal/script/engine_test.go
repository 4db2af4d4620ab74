package script

import (
	"context"
	"testing"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_RunWithInputs(t *testing.T) {
	engine := NewEngine()

	prog, err := engine.Compile("sum", `result := base * multiplier`, "base", "multiplier")
	require.NoError(t, err)

	res, err := prog.Run(context.Background(), map[string]any{"base": 10, "multiplier": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Value("result"))
}

func TestEngine_ProgramIsReusable(t *testing.T) {
	prog, err := NewEngine().Compile("greet", `text := import("text"); out := text.to_upper(name)`, "name")
	require.NoError(t, err)

	first, err := prog.Run(context.Background(), map[string]any{"name": "amy"})
	require.NoError(t, err)
	second, err := prog.Run(context.Background(), map[string]any{"name": "bob"})
	require.NoError(t, err)

	assert.Equal(t, "AMY", first.String("out"))
	assert.Equal(t, "BOB", second.String("out"))
}

func TestEngine_PicksFromArray(t *testing.T) {
	prog, err := NewEngine().Compile("pick", `rand := import("rand"); pick := items[rand.intn(len(items))]`, "items")
	require.NoError(t, err)

	items := []string{"a", "b", "c"}
	for range 20 {
		res, err := prog.Run(context.Background(), map[string]any{"items": lo.ToAnySlice(items)})
		require.NoError(t, err)
		assert.Contains(t, items, res.String("pick"))
	}
}

func TestEngine_UnsetGlobalIsEmpty(t *testing.T) {
	prog, err := NewEngine().Compile("quiet", `x := 1`)
	require.NoError(t, err)

	res, err := prog.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.String("reply"))
}

func TestEngine_Errors(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		src     string
		inputs  []string
		vars    map[string]any
		compile bool
		want    ErrorType
	}{
		{
			name:    "syntax",
			limits:  DefaultLimits(),
			src:     `reply := `,
			compile: true,
			want:    ErrorTypeCompilation,
		},
		{
			name:    "undeclared input",
			limits:  DefaultLimits(),
			src:     `reply := message`,
			compile: true,
			want:    ErrorTypeCompilation,
		},
		{
			name:    "module not allowed",
			limits:  Limits{Timeout: time.Second, Modules: []string{"text"}},
			src:     `os := import("os")`,
			compile: true,
			want:    ErrorTypeCompilation,
		},
		{
			name:   "runtime",
			limits: DefaultLimits(),
			src:    `reply := 1 / zero`,
			inputs: []string{"zero"},
			vars:   map[string]any{"zero": 0},
			want:   ErrorTypeExecution,
		},
		{
			name:   "timeout",
			limits: Limits{Timeout: 20 * time.Millisecond},
			src:    `for {}`,
			want:   ErrorTypeTimeout,
		},
		{
			name:   "alloc limit",
			limits: Limits{Timeout: time.Second, MaxAllocs: 50},
			src:    `a := []; for i := 0; i < 10000; i++ { a = append(a, [i]) }`,
			want:   ErrorTypeAllocLimit,
		},
		{
			name:   "unknown variable",
			limits: DefaultLimits(),
			src:    `x := 1`,
			vars:   map[string]any{"missing": 1},
			want:   ErrorTypeExecution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewEngine(WithLimits(tt.limits))
			prog, err := engine.Compile(tt.name, tt.src, tt.inputs...)
			if tt.compile {
				var se *ScriptError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.want, se.Type)
				return
			}
			require.NoError(t, err)

			_, err = prog.Run(context.Background(), tt.vars)
			var se *ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.want, se.Type)
			assert.Equal(t, tt.name, se.Script)
			if tt.want == ErrorTypeAllocLimit {
				assert.ErrorIs(t, err, tengo.ErrObjectAllocLimit)
			}
		})
	}
}

func TestEngine_Load(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/scripts/echo.tengo", []byte(`reply := "echo: " + message`), 0o644))
	engine := NewEngine()

	prog, err := engine.Load(fs, "/scripts/echo.tengo", "message")
	require.NoError(t, err)
	assert.Equal(t, "/scripts/echo.tengo", prog.Name())

	res, err := prog.Run(context.Background(), map[string]any{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.String("reply"))

	_, err = engine.Load(fs, "/scripts/missing.tengo")
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrorTypeNotFound, se.Type)
}
