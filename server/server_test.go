package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mogri/sceneserver/config"
	"github.com/mogri/sceneserver/plugin/generators"
	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render/softpath"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.ScratchDir = t.TempDir()

	srv := New(cfg, softpath.New(), generators.Loader{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "dial %s", path)
	t.Cleanup(func() { ws.Close() })
	ws.SetReadDeadline(time.Now().Add(15 * time.Second))
	return ws
}

func sendMsg(t *testing.T, ws *websocket.Conn, mt protocol.MessageType, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(mt, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Envelope {
	t.Helper()
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err, "read envelope")
	require.Equal(t, websocket.TextMessage, mt, "expected a text frame")
	e, err := protocol.DecodeEnvelope(data)
	require.NoError(t, err)
	return e
}

func readBinary(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err, "read binary frame")
	require.Equal(t, websocket.BinaryMessage, mt, "expected a binary frame")
	return data
}

func expectResult(t *testing.T, ws *websocket.Conn) protocol.Result {
	t.Helper()
	e := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeResult, e.Type)
	var r protocol.Result
	require.NoError(t, e.Decode(&r))
	return r
}

func requireSuccess(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	r := expectResult(t, ws)
	require.True(t, r.Success, "request failed: %s", r.Message)
}

func handshake(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	sendMsg(t, ws, protocol.TypeHello, &protocol.Hello{Version: protocol.Version})
	requireSuccess(t, ws)
}

func sendQuadMesh(t *testing.T, ws *websocket.Conn, name string) {
	t.Helper()
	sendMsg(t, ws, protocol.TypeUpdateMeshData, &protocol.UpdateMeshData{
		Name: name, NumVertices: 4, NumTriangles: 2,
	})
	vertices := []float32{
		0, 0, 0,
		1, 0, 0,
		1, 1, 0,
		0, 1, 0,
	}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, protocol.EncodeFloats(vertices)))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage,
		protocol.EncodeUints([]uint32{0, 1, 2, 0, 2, 3})))
	requireSuccess(t, ws)
}

func TestHandshakeVersionMismatch(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")

	sendMsg(t, ws, protocol.TypeHello, &protocol.Hello{Version: protocol.Version + 1})
	r := expectResult(t, ws)
	require.False(t, r.Success)
	require.Contains(t, r.Message, "version")

	// the server hangs up after a failed handshake
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestMessageBeforeHandshakeClosesConnection(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")

	sendMsg(t, ws, protocol.TypeClearScene, &struct{}{})
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
}

func TestFullRenderScenario(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")
	handshake(t, ws)

	sendMsg(t, ws, protocol.TypeUpdateFramebuffer, &protocol.UpdateFramebuffer{
		Format: "rgba32f", Width: 16, Height: 16,
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeUpdateCamera, &protocol.CameraSettings{
		Type: "perspective", FovY: 60, Aspect: 1,
		Position: [3]float32{0, 0, 5}, ViewDir: [3]float32{0, 0, -1}, UpDir: [3]float32{0, 1, 0},
	})
	requireSuccess(t, ws)

	sendQuadMesh(t, ws, "quad")

	sendMsg(t, ws, protocol.TypeUpdateObject, &protocol.UpdateObject{
		Kind: "mesh", Name: "floor", DataLink: "quad",
		Object2World: [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeStartRendering, &protocol.StartRendering{
		Mode: "final", Samples: 2,
	})
	requireSuccess(t, ws)

	for sample := 1; sample <= 2; sample++ {
		e := readEnvelope(t, ws)
		require.Equal(t, protocol.TypeRenderResult, e.Type)
		var r protocol.RenderResult
		require.NoError(t, e.Decode(&r))
		require.Equal(t, protocol.RenderFrame, r.Type)
		require.Equal(t, sample, r.Sample)

		payload := readBinary(t, ws)
		require.Len(t, payload, int(r.FileSize))
		require.True(t, bytes.HasPrefix(payload, []byte("\x89PNG")), "payload is not a png file")
	}

	e := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeRenderResult, e.Type)
	var done protocol.RenderResult
	require.NoError(t, e.Decode(&done))
	require.Equal(t, protocol.RenderDone, done.Type)

	sendMsg(t, ws, protocol.TypeBye, &struct{}{})
	requireSuccess(t, ws)
}

func TestCancelRendering(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")
	handshake(t, ws)

	sendMsg(t, ws, protocol.TypeUpdateFramebuffer, &protocol.UpdateFramebuffer{
		Format: "rgba32f", Width: 16, Height: 16,
	})
	requireSuccess(t, ws)
	sendMsg(t, ws, protocol.TypeUpdateCamera, &protocol.CameraSettings{
		Type: "perspective", FovY: 60, Aspect: 1,
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeStartRendering, &protocol.StartRendering{
		Mode: "final", Samples: 1 << 30,
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeCancelRendering, &struct{}{})

	// drain frames until the CANCELED record
	for {
		e := readEnvelope(t, ws)
		require.Equal(t, protocol.TypeRenderResult, e.Type)
		var r protocol.RenderResult
		require.NoError(t, e.Decode(&r))
		if r.Type == protocol.RenderCanceled {
			break
		}
		require.Equal(t, protocol.RenderFrame, r.Type)
		readBinary(t, ws)
	}

	// the connection is fully usable afterwards
	sendMsg(t, ws, protocol.TypeGetServerState, &struct{}{})
	e := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeServerState, e.Type)
}

func TestQueryBound(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")
	handshake(t, ws)

	sendMsg(t, ws, protocol.TypeUpdatePluginInstance, &protocol.UpdatePluginInstance{
		Name: "grid", Kind: "scene", PluginName: "boxes",
		Parameters: []byte(`{"side": 2}`),
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeQueryBound, &protocol.QueryBound{Name: "grid"})
	e := readEnvelope(t, ws)
	require.Equal(t, protocol.TypeBoundResult, e.Type)
	var br protocol.BoundResult
	require.NoError(t, e.Decode(&br))
	require.True(t, br.Success, br.Message)

	payload := readBinary(t, ws)
	require.Len(t, payload, int(br.Size))
	require.True(t, bytes.HasPrefix(payload, []byte("glTF")), "bound is not a binary gltf")

	sendMsg(t, ws, protocol.TypeQueryBound, &protocol.QueryBound{Name: "nope"})
	e = readEnvelope(t, ws)
	require.Equal(t, protocol.TypeBoundResult, e.Type)
	require.NoError(t, e.Decode(&br))
	require.False(t, br.Success)
}

func TestOutputChannel(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")
	handshake(t, ws)

	sendMsg(t, ws, protocol.TypeUpdateFramebuffer, &protocol.UpdateFramebuffer{
		Format: "rgba32f", Width: 8, Height: 8,
	})
	requireSuccess(t, ws)
	sendMsg(t, ws, protocol.TypeUpdateCamera, &protocol.CameraSettings{
		Type: "perspective", FovY: 60, Aspect: 1,
	})
	requireSuccess(t, ws)

	sendMsg(t, ws, protocol.TypeRequestOutputChannel, &struct{}{})
	r := expectResult(t, ws)
	require.True(t, r.Success)
	require.NotEmpty(t, r.Message, "no channel name returned")

	out := dialWS(t, ts, "/ws/output?channel="+r.Message)
	// the attach is delivered by the output handler's goroutine
	time.Sleep(100 * time.Millisecond)

	sendMsg(t, ws, protocol.TypeStartRendering, &protocol.StartRendering{
		Mode: "final", Samples: 1,
	})
	requireSuccess(t, ws)

	// render results arrive on the output websocket, not the main one
	e := readEnvelope(t, out)
	require.Equal(t, protocol.TypeRenderResult, e.Type)
	var rr protocol.RenderResult
	require.NoError(t, e.Decode(&rr))
	require.Equal(t, protocol.RenderFrame, rr.Type)
	readBinary(t, out)

	e = readEnvelope(t, out)
	var done protocol.RenderResult
	require.NoError(t, e.Decode(&done))
	require.Equal(t, protocol.RenderDone, done.Type)
}

func TestQuitShutsServerDown(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dialWS(t, ts, "/ws")
	handshake(t, ws)

	sendMsg(t, ws, protocol.TypeQuit, &struct{}{})
	requireSuccess(t, ws)

	select {
	case <-srv.quit:
	case <-time.After(5 * time.Second):
		t.Fatal("quit was not requested")
	}
}

func TestDebugEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/debug/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	require.Contains(t, state, "uptime_seconds")
	require.Contains(t, state, "scratch_dir")

	// no framebuffer files yet
	resp, err = http.Get(ts.URL + "/debug/framebuffer")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
