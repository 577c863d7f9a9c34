package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "amqprpc-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "endpoint.yml")
	content := `
exchange:
  name: rpc
  type: direct
  durable: true
queue:
  name: rpc_queue
  randomize: true
  autodelete: true
channel:
  prefetch_count: 10
  prefetch_global: true
routing_key: double
`
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))

	ep, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "rpc", ep.Exchange.Name)
	assert.Equal(t, "direct", ep.Exchange.Type)
	assert.True(t, ep.Exchange.Durable)
	assert.False(t, ep.Exchange.AutoDelete)

	assert.Equal(t, "rpc_queue", ep.Queue.Name)
	assert.True(t, ep.Queue.Randomize)
	assert.True(t, ep.Queue.AutoDelete)

	assert.Equal(t, 10, ep.Channel.PrefetchCount)
	assert.True(t, ep.Channel.PrefetchGlobal)

	assert.Equal(t, "double", ep.RoutingKey)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/endpoint.yml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir, err := ioutil.TempDir("", "amqprpc-config")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "broken.yml")
	require.NoError(t, ioutil.WriteFile(path, []byte("queue: ["), 0644))

	_, err = Load(path)
	assert.Error(t, err)
}
