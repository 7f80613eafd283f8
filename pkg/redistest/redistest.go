// Package redistest contains utilities for unit tests with Redis.
package redistest

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.od2.network/matchmaker/pkg/exectest"
)

// Redis is a Redis server and client for use in end-to-end unit tests.
type Redis struct {
	Cmd    *exec.Cmd
	Client *redis.Client
	// Mini is set instead of Cmd when running without a redis-server binary.
	Mini *miniredis.Miniredis

	bg      *exectest.Background
	tempDir string
}

// SupportsSubprocess checks if redis-server is installed.
func SupportsSubprocess() bool {
	return exectest.Installed("redis-server")
}

// NewRedis starts an ephemeral Redis server and returns a client.
//
// It runs a redis-server subprocess if available,
// and falls back to an in-process miniredis server otherwise.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	if !SupportsSubprocess() {
		t.Log("redistest: redis-server not installed, using miniredis")
		return NewMini(t)
	}
	// Run Redis server as subprocess.
	dir, err := ioutil.TempDir("", "redistest-")
	if err != nil {
		panic("failed to get temp dir: " + err.Error())
	}
	socket := filepath.Join(dir, "redis.sock")
	redisCmd := exec.CommandContext(ctx, "redis-server",
		"--port", "0",
		"--unixsocket", socket,
		"--unixsocketperm", "700",
		"--save", "",
		"--loglevel", "verbose")
	redisCmd.Dir = dir
	bg := exectest.NewBackground(t, redisCmd)
	bg.Name = "redis"
	bg.LogStdout = true
	bg.LogStderr = true
	bg.Start()
	// Create Redis client.
	client := redis.NewClient(&redis.Options{
		Network: "unix",
		Addr:    socket,
	})
	// Give Redis a second to start up.
	startupTicker := time.NewTicker(100 * time.Millisecond)
	defer startupTicker.Stop()
	var pingErr error
tryLoop:
	for try := 0; try < 30; try++ {
		if try > 0 {
			select {
			case <-startupTicker.C:
				break
			case <-bg.Done():
				break tryLoop
			}
		}
		pingErr = client.Ping(ctx).Err()
		if errors.Is(pingErr, redis.ErrClosed) {
			continue // Redis still not up
		} else if errors.Is(pingErr, os.ErrNotExist) {
			continue // Redis hasn't even created the socket yet
		} else if pingErr != nil {
			t.Fatal("Failed to ping Redis:", pingErr.Error())
		}
		t.Log("redistest: Redis is up")
		return &Redis{
			Cmd:    redisCmd,
			Client: client,

			bg:      bg,
			tempDir: dir,
		}
	}
	if err := bg.Err(); err != nil {
		t.Fatal("Subprocess failed:", err)
	}
	t.Fatal("Failed to ping Redis:", pingErr)
	return nil
}

// NewMini starts an in-process miniredis server and returns a client.
func NewMini(t testing.TB) *Redis {
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatal("Failed to start miniredis:", err)
	}
	client := redis.NewClient(&redis.Options{
		Network: "tcp",
		Addr:    mini.Addr(),
	})
	return &Redis{
		Client: client,
		Mini:   mini,
	}
}

// Close shuts down the server and client and prints the log.
func (r *Redis) Close(t testing.TB) {
	_ = r.Client.Close()
	if r.Mini != nil {
		r.Mini.Close()
		return
	}
	t.Log("redistest: Removing", r.tempDir)
	r.bg.Close()
	_ = os.RemoveAll(r.tempDir)
}
