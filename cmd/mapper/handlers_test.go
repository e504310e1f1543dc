package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libmapper/libmapper/value"
)

const handlersConfig = `
devices:
  - name: lamp
    signals:
      - name: level
        direction: in
        type: int
`

func TestHandlers(t *testing.T) {
	cfg, err := ParseConfig([]byte(handlersConfig))
	require.NoError(t, err)
	rt, clock := testRuntime(t, cfg)
	rt.devices, err = cfg.Build(rt.graph)
	require.NoError(t, err)
	settle(t, rt, clock)

	mux := http.NewServeMux()
	rt.routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/signals?props")
	require.NoError(t, err)
	var sigs []objectView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sigs))
	_ = resp.Body.Close()
	require.Len(t, sigs, 1)
	assert.Equal(t, "lamp/level", sigs[0].Name)
	assert.Equal(t, "signal", sigs[0].Type)
	assert.True(t, sigs[0].Local)
	assert.NotEmpty(t, sigs[0].Props)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(srv.URL + "/objects/" + sigs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	resp, err = http.Get(srv.URL + "/objects/zz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Post(srv.URL+"/signals/lamp/level", "application/json", strings.NewReader("[7]"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	level, ok := rt.graph.SignalByPath("lamp/level")
	require.True(t, ok)
	v, _, ok := level.Value(0)
	require.True(t, ok)
	assert.True(t, value.Equal(value.Int32s(7), v))

	resp, err = http.Post(srv.URL+"/signals/lamp/level", "application/json", strings.NewReader("[]"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()
	resp, err = http.Post(srv.URL+"/signals/lamp/dim", "application/json", strings.NewReader("[1]"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAddressHandler(t *testing.T) {
	var got []string
	h := AddressHandler(func(addr string) error {
		if addr == "bad" {
			return errors.New("refused")
		}
		got = append(got, addr)
		return nil
	})
	for addr, code := range map[string]int{
		"tcp://localhost:1": http.StatusOK,
		"bad":               http.StatusBadRequest,
		"  ":                http.StatusUnprocessableEntity,
	} {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader(addr)))
		assert.Equal(t, code, rec.Code, strconv.Quote(addr))
	}
	assert.Equal(t, []string{"tcp://localhost:1"}, got)
}
