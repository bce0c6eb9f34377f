package scripting

import (
	"testing"
	"time"

	"github.com/mal0ner/credis/storage"
)

func TestEngineBasicExecution(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	tests := []struct {
		name     string
		script   string
		keys     []string
		args     []string
		expected interface{}
	}{
		{
			name:     "simple return",
			script:   "return 'hello'",
			keys:     []string{},
			args:     []string{},
			expected: "hello",
		},
		{
			name:     "return number",
			script:   "return 42",
			keys:     []string{},
			args:     []string{},
			expected: int64(42),
		},
		{
			name:     "access KEYS",
			script:   "return KEYS[1]",
			keys:     []string{"mykey"},
			args:     []string{},
			expected: "mykey",
		},
		{
			name:     "access ARGV",
			script:   "return ARGV[1]",
			keys:     []string{},
			args:     []string{"myarg"},
			expected: "myarg",
		},
		{
			name:     "concatenate KEYS and ARGV",
			script:   "return KEYS[1] .. ':' .. ARGV[1]",
			keys:     []string{"user"},
			args:     []string{"123"},
			expected: "user:123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Eval(tt.script, tt.keys, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestEngineRedisCommands(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	tests := []struct {
		name     string
		script   string
		keys     []string
		args     []string
		setup    func()
		expected interface{}
	}{
		{
			name:     "SET and GET",
			script:   "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])",
			keys:     []string{"testkey"},
			args:     []string{"testvalue"},
			expected: "testvalue",
		},
		{
			name:     "GET non-existent key",
			script:   "return redis.call('GET', 'nonexistent')",
			keys:     []string{},
			args:     []string{},
			expected: false, // Redis nil becomes false in Lua
		},
		{
			name:     "DEL command",
			script:   "return redis.call('DEL', KEYS[1])",
			keys:     []string{"delkey"},
			args:     []string{},
			setup:    func() { store.Set("delkey", []byte("v"), nil) },
			expected: int64(1),
		},
		{
			name:     "EXISTS command",
			script:   "return redis.call('EXISTS', KEYS[1], 'nope')",
			keys:     []string{"existskey"},
			args:     []string{},
			setup:    func() { store.Set("existskey", []byte("v"), nil) },
			expected: int64(1),
		},
		{
			name:     "lowercase command name",
			script:   "redis.call('set', KEYS[1], 'x'); return redis.call('get', KEYS[1])",
			keys:     []string{"lowerkey"},
			args:     []string{},
			expected: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			result, err := engine.Eval(tt.script, tt.keys, tt.args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestEngineSetWithExpiry(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	_, err := engine.Eval("return redis.call('SET', KEYS[1], ARGV[1], 'PX', '40')", []string{"k"}, []string{"v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := store.Get("k"); !ok {
		t.Fatal("key absent right after SET PX")
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := store.Get("k"); ok {
		t.Error("key still present after PX deadline")
	}
}

func TestEnginePCallError(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	result, err := engine.Eval("local r = redis.pcall('BOGUS'); return r.err", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s, ok := result.(string); !ok || s == "" {
		t.Errorf("expected error string from pcall, got %v", result)
	}
}

func TestEngineScriptCache(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	const script = "return 7"
	sha := engine.LoadScript(script)
	if len(sha) != 40 {
		t.Fatalf("SHA length = %d, want 40", len(sha))
	}

	result, err := engine.EvalSHA(sha, nil, nil)
	if err != nil {
		t.Fatalf("EvalSHA: %v", err)
	}
	if result != int64(7) {
		t.Errorf("EvalSHA = %v, want 7", result)
	}

	exists := engine.ScriptExists([]string{sha, "deadbeef"})
	if !exists[0] || exists[1] {
		t.Errorf("ScriptExists = %v, want [true false]", exists)
	}

	engine.ScriptFlush()
	if _, err := engine.EvalSHA(sha, nil, nil); err == nil {
		t.Error("EvalSHA succeeded after ScriptFlush")
	}
}

func TestEngineWriteHook(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	type write struct {
		cmd  string
		args []string
	}
	var writes []write
	engine.SetWriteHook(func(cmd string, args []string) {
		writes = append(writes, write{cmd, args})
	})

	_, err := engine.Eval("redis.call('SET', 'a', '1'); redis.call('DEL', 'a'); redis.call('GET', 'a')", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writes) != 2 {
		t.Fatalf("hook saw %d writes, want 2", len(writes))
	}
	if writes[0].cmd != "SET" || writes[1].cmd != "DEL" {
		t.Errorf("hook order = %v, want SET then DEL", writes)
	}
}

func TestEngineScriptError(t *testing.T) {
	store := storage.NewMemory()
	engine := NewEngine(store)

	if _, err := engine.Eval("this is not lua", nil, nil); err == nil {
		t.Error("expected error for invalid script")
	}
	if _, err := engine.Eval("return redis.call('BOGUS')", nil, nil); err == nil {
		t.Error("expected error for unknown command via call")
	}
}
