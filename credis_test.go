package credis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mal0ner/credis/replication"
)

// startTestMaster brings up a master on a loopback port.
func startTestMaster(t *testing.T) *Server {
	t.Helper()

	master, err := New(WithListenAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatal(err)
	}
	if err := master.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { master.Close() })
	return master
}

// startTestReplica brings up a replica of the given master and waits for
// the initial sync.
func startTestReplica(t *testing.T, masterAddr string) *Server {
	t.Helper()

	replica, err := New(
		WithListenAddr("127.0.0.1:0"),
		WithMaster(masterAddr),
		WithRetryBackoff(50*time.Millisecond, 500*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := replica.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { replica.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := replica.WaitForSync(ctx); err != nil {
		t.Fatal(err)
	}
	return replica
}

func newRedisClient(t *testing.T, addr string) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestMasterServesClients(t *testing.T) {
	master := startTestMaster(t)
	if master.Role() != replication.RoleMaster {
		t.Fatalf("Role() = %v, want master", master.Role())
	}

	ctx := context.Background()
	client := newRedisClient(t, master.Addr())

	if pong, err := client.Ping(ctx).Result(); err != nil || pong != "PONG" {
		t.Fatalf("Ping = %q, %v", pong, err)
	}
	if err := client.Set(ctx, "greeting", "hello", 0).Err(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := client.Get(ctx, "greeting").Result()
	if err != nil || got != "hello" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := client.Set(ctx, "transient", "x", 50*time.Millisecond).Err(); err != nil {
		t.Fatalf("Set PX: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if _, err := client.Get(ctx, "transient").Result(); err != redis.Nil {
		t.Errorf("Get after expiry = %v, want redis.Nil", err)
	}
}

func TestReplicationEndToEnd(t *testing.T) {
	master := startTestMaster(t)
	replica := startTestReplica(t, master.Addr())

	if replica.Role() != replication.RoleReplica {
		t.Fatalf("Role() = %v, want replica", replica.Role())
	}

	ctx := context.Background()
	masterClient := newRedisClient(t, master.Addr())
	replicaClient := newRedisClient(t, replica.Addr())

	if err := masterClient.Set(ctx, "shared", "value", 0).Err(); err != nil {
		t.Fatalf("Set on master: %v", err)
	}

	// Propagation is asynchronous; poll the replica.
	waitFor(t, func() bool {
		v, err := replicaClient.Get(ctx, "shared").Result()
		return err == nil && v == "value"
	})

	// Deletes propagate too.
	if err := masterClient.Del(ctx, "shared").Err(); err != nil {
		t.Fatalf("Del on master: %v", err)
	}
	waitFor(t, func() bool {
		_, err := replicaClient.Get(ctx, "shared").Result()
		return err == redis.Nil
	})

	// The replica refuses writes from its own clients.
	err := replicaClient.Set(ctx, "local", "x", 0).Err()
	if err == nil || !strings.Contains(err.Error(), "READONLY") {
		t.Errorf("Set on replica = %v, want READONLY error", err)
	}
}

func TestInfoReplication(t *testing.T) {
	master := startTestMaster(t)
	replica := startTestReplica(t, master.Addr())

	ctx := context.Background()

	info, err := newRedisClient(t, master.Addr()).Info(ctx, "replication").Result()
	if err != nil {
		t.Fatalf("INFO on master: %v", err)
	}
	if !strings.Contains(info, "role:master") {
		t.Errorf("master INFO missing role: %q", info)
	}
	if !strings.Contains(info, "connected_slaves:1") {
		t.Errorf("master INFO missing connected_slaves: %q", info)
	}

	info, err = newRedisClient(t, replica.Addr()).Info(ctx, "replication").Result()
	if err != nil {
		t.Fatalf("INFO on replica: %v", err)
	}
	if !strings.Contains(info, "role:slave") {
		t.Errorf("replica INFO missing role: %q", info)
	}
}

func TestScriptingEndToEnd(t *testing.T) {
	master := startTestMaster(t)
	ctx := context.Background()
	client := newRedisClient(t, master.Addr())

	got, err := client.Eval(ctx, "redis.call('SET', KEYS[1], ARGV[1]); return redis.call('GET', KEYS[1])", []string{"k"}, "v").Result()
	if err != nil || got != "v" {
		t.Fatalf("Eval = %v, %v", got, err)
	}

	sha, err := client.ScriptLoad(ctx, "return 42").Result()
	if err != nil {
		t.Fatalf("ScriptLoad: %v", err)
	}
	got, err = client.EvalSha(ctx, sha, nil).Result()
	if err != nil || got != int64(42) {
		t.Fatalf("EvalSha = %v, %v", got, err)
	}
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"empty listen addr", []Option{WithListenAddr("")}},
		{"empty master addr", []Option{WithMaster("")}},
		{"zero connect timeout", []Option{WithConnectTimeout(0)}},
		{"negative idle timeout", []Option{WithIdleTimeout(-time.Second)}},
		{"inverted backoff", []Option{WithRetryBackoff(time.Second, time.Millisecond)}},
		{"zero shard count", []Option{WithShardCount(0)}},
		{"nil logger", []Option{WithLogger(nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts...); err == nil {
				t.Error("New() accepted invalid option")
			}
		})
	}
}

func TestCloseIdempotent(t *testing.T) {
	master := startTestMaster(t)
	if err := master.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := master.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := master.Start(context.Background()); err != ErrClosed {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
