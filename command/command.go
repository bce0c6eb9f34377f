package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mal0ner/credis/protocol"
)

// Interpretation failure taxonomy. All three are per-command errors: they
// are reported to the client as an error frame and the connection survives.
var (
	// ErrUnknownCommand indicates a name that matches no variant
	ErrUnknownCommand = errors.New("unknown command")

	// ErrWrongArity indicates an element count outside the variant's range
	ErrWrongArity = errors.New("wrong number of arguments")

	// ErrInvalidArgument indicates a positional argument that fails coercion
	ErrInvalidArgument = errors.New("invalid argument")
)

// Command is the closed set of operations the server executes. Each variant
// is an immutable, side-effect-free description of one request; execution
// happens elsewhere. The sealed method keeps the set closed so dispatch can
// type-switch exhaustively.
type Command interface {
	// Name returns the canonical upper-case command name.
	Name() string

	sealed()
}

// Ping verifies liveness; the reply is a fixed status.
type Ping struct{}

// Echo replies with its own payload.
type Echo struct {
	Payload []byte
}

// Get reads a key from the keyspace.
type Get struct {
	Key string
}

// Set inserts or overwrites a key. ExpireAt, when non-nil, is the absolute
// instant computed once at interpretation time from a PX/EX argument;
// identical requests interpreted at different instants therefore pin
// different deadlines, and a read never re-derives the expiry.
type Set struct {
	Key      string
	Value    []byte
	ExpireAt *time.Time
}

// Del removes one or more keys.
type Del struct {
	Keys []string
}

// Exists counts how many of the given keys are present.
type Exists struct {
	Keys []string
}

// Info requests role and replication details, optionally for one section.
type Info struct {
	Section string
}

// ReplConf carries replica configuration during and after the handshake:
// listening-port, capa, GETACK and ACK exchanges.
type ReplConf struct {
	Args [][]byte
}

// Psync requests (re)synchronization with the master's replication stream.
// ReplID "?" with Offset -1 asks for a full resync.
type Psync struct {
	ReplID string
	Offset int64
}

// Eval executes a Lua script against the keyspace.
type Eval struct {
	Script string
	Keys   []string
	Args   []string
}

// EvalSHA executes a previously loaded script by its SHA1 digest.
type EvalSHA struct {
	SHA  string
	Keys []string
	Args []string
}

// Script manages the script cache (LOAD, EXISTS, FLUSH).
type Script struct {
	Subcommand string
	Args       []string
}

func (Ping) Name() string     { return "PING" }
func (Echo) Name() string     { return "ECHO" }
func (Get) Name() string      { return "GET" }
func (Set) Name() string      { return "SET" }
func (Del) Name() string      { return "DEL" }
func (Exists) Name() string   { return "EXISTS" }
func (Info) Name() string     { return "INFO" }
func (ReplConf) Name() string { return "REPLCONF" }
func (Psync) Name() string    { return "PSYNC" }
func (Eval) Name() string     { return "EVAL" }
func (EvalSHA) Name() string  { return "EVALSHA" }
func (Script) Name() string   { return "SCRIPT" }

func (Ping) sealed()     {}
func (Echo) sealed()     {}
func (Get) sealed()      {}
func (Set) sealed()      {}
func (Del) sealed()      {}
func (Exists) sealed()   {}
func (Info) sealed()     {}
func (ReplConf) sealed() {}
func (Psync) sealed()    {}
func (Eval) sealed()     {}
func (EvalSHA) sealed()  {}
func (Script) sealed()   {}

// IsWrite reports whether a command mutates the keyspace and must therefore
// be forwarded to replicas after local application.
func IsWrite(cmd Command) bool {
	switch cmd.(type) {
	case Set, Del:
		return true
	default:
		return false
	}
}

// Interpret validates a decoded frame and builds the matching Command.
//
// The frame must be a non-null array of bulk strings with at least one
// element; the first element selects the variant case-insensitively.
func Interpret(f protocol.Frame) (Command, error) {
	args, err := requestArgs(f)
	if err != nil {
		return nil, err
	}

	name := strings.ToUpper(string(args[0]))
	rest := args[1:]

	switch name {
	case "PING":
		if len(rest) != 0 {
			return nil, arityError(name)
		}
		return Ping{}, nil

	case "ECHO":
		if len(rest) != 1 {
			return nil, arityError(name)
		}
		return Echo{Payload: rest[0]}, nil

	case "GET":
		if len(rest) != 1 {
			return nil, arityError(name)
		}
		return Get{Key: string(rest[0])}, nil

	case "SET":
		return interpretSet(rest)

	case "DEL":
		if len(rest) == 0 {
			return nil, arityError(name)
		}
		return Del{Keys: toStrings(rest)}, nil

	case "EXISTS":
		if len(rest) == 0 {
			return nil, arityError(name)
		}
		return Exists{Keys: toStrings(rest)}, nil

	case "INFO":
		switch len(rest) {
		case 0:
			return Info{}, nil
		case 1:
			return Info{Section: strings.ToLower(string(rest[0]))}, nil
		default:
			return nil, arityError(name)
		}

	case "REPLCONF":
		if len(rest) == 0 {
			return nil, arityError(name)
		}
		return ReplConf{Args: rest}, nil

	case "PSYNC":
		if len(rest) != 2 {
			return nil, arityError(name)
		}
		offset, err := strconv.ParseInt(string(rest[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: PSYNC offset %q is not an integer", ErrInvalidArgument, rest[1])
		}
		return Psync{ReplID: string(rest[0]), Offset: offset}, nil

	case "EVAL":
		script, keys, scriptArgs, err := interpretScriptCall(name, rest)
		if err != nil {
			return nil, err
		}
		return Eval{Script: script, Keys: keys, Args: scriptArgs}, nil

	case "EVALSHA":
		sha, keys, scriptArgs, err := interpretScriptCall(name, rest)
		if err != nil {
			return nil, err
		}
		return EvalSHA{SHA: sha, Keys: keys, Args: scriptArgs}, nil

	case "SCRIPT":
		if len(rest) == 0 {
			return nil, arityError(name)
		}
		return Script{
			Subcommand: strings.ToUpper(string(rest[0])),
			Args:       toStrings(rest[1:]),
		}, nil

	default:
		return nil, fmt.Errorf("%w '%s'", ErrUnknownCommand, name)
	}
}

// interpretSet handles SET key value [PX ms | EX s]. The expiry argument is
// converted to an absolute instant here, once.
func interpretSet(rest [][]byte) (Command, error) {
	if len(rest) < 2 {
		return nil, arityError("SET")
	}

	cmd := Set{Key: string(rest[0]), Value: rest[1]}

	opts := rest[2:]
	for len(opts) > 0 {
		opt := strings.ToUpper(string(opts[0]))
		switch opt {
		case "PX", "EX":
			if len(opts) < 2 {
				return nil, arityError("SET")
			}
			n, err := strconv.ParseInt(string(opts[1]), 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: %s value %q is not a non-negative integer", ErrInvalidArgument, opt, opts[1])
			}
			unit := time.Millisecond
			if opt == "EX" {
				unit = time.Second
			}
			deadline := time.Now().Add(time.Duration(n) * unit)
			cmd.ExpireAt = &deadline
			opts = opts[2:]
		default:
			return nil, fmt.Errorf("%w: unsupported SET option %q", ErrInvalidArgument, opts[0])
		}
	}

	return cmd, nil
}

// interpretScriptCall handles the shared EVAL/EVALSHA shape:
// <script|sha> <numkeys> key... arg...
func interpretScriptCall(name string, rest [][]byte) (string, []string, []string, error) {
	if len(rest) < 2 {
		return "", nil, nil, arityError(name)
	}
	numKeys, err := strconv.Atoi(string(rest[1]))
	if err != nil || numKeys < 0 {
		return "", nil, nil, fmt.Errorf("%w: numkeys %q is not a non-negative integer", ErrInvalidArgument, rest[1])
	}
	if len(rest)-2 < numKeys {
		return "", nil, nil, arityError(name)
	}
	return string(rest[0]), toStrings(rest[2 : 2+numKeys]), toStrings(rest[2+numKeys:]), nil
}

// requestArgs flattens a request frame into its bulk string elements.
func requestArgs(f protocol.Frame) ([][]byte, error) {
	if f.Type != protocol.TypeArray || f.IsNull || len(f.Array) == 0 {
		return nil, fmt.Errorf("%w: request must be a non-empty array", ErrInvalidArgument)
	}
	args := make([][]byte, len(f.Array))
	for i, elem := range f.Array {
		if elem.Type != protocol.TypeBulkString || elem.IsNull {
			return nil, fmt.Errorf("%w: request element %d is not a bulk string", ErrInvalidArgument, i)
		}
		args[i] = elem.Data
	}
	return args, nil
}

func arityError(name string) error {
	return fmt.Errorf("%w for '%s' command", ErrWrongArity, strings.ToLower(name))
}

func toStrings(args [][]byte) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}
