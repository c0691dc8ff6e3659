package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/scene"
	"github.com/mogri/sceneserver/session"
	"github.com/mogri/sceneserver/utils"
)

const writeTimeout = 40 * time.Second

type connection struct {
	server *Server
	ws     *websocket.Conn
	name   string

	scene   *scene.Scene
	session *session.Session
	bufs    protocol.MeshBuffers

	handshaken bool

	// writeMu serializes frames: the connection goroutine writes
	// responses, the render goroutine writes progress records.
	writeMu sync.Mutex

	// render output redirection, see request_output_channel
	outputName string
	outputCh   chan *websocket.Conn
	output     *websocket.Conn
}

func newConnection(s *Server, ws *websocket.Conn) *connection {
	return &connection{
		server: s,
		ws:     ws,
		name:   s.connectionName(),
	}
}

func (c *connection) serve() {
	defer c.ws.Close()

	cfg := c.server.Config()
	c.ws.SetReadLimit(cfg.MaxMessageSize)

	sc, err := scene.New(c.server.dev, c.server.loader)
	if err != nil {
		log.Printf("[server] %s: failed to set up scene: %v", c.name, err)
		return
	}
	c.scene = sc
	c.session = session.New(sc, session.Config{
		ScratchDir:           cfg.ScratchDir,
		KeepFramebufferFiles: cfg.KeepFramebufferFiles,
	}, c.emitUpdate)

	defer func() {
		c.session.Close()
		c.scene.Close()
		if c.outputName != "" {
			c.server.releaseOutput(c.outputName)
		}
		if c.output != nil {
			c.output.Close()
		}
		log.Printf("[server] %s: connection closed", c.name)
	}()

	log.Printf("[server] %s: connected from %v", c.name, c.ws.RemoteAddr())

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[server] %s: read error: %v", c.name, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			log.Printf("[server] %s: unexpected binary frame outside of a bulk transfer", c.name)
			return
		}

		e, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Printf("[server] %s: %v", c.name, err)
			return
		}

		if c.server.Config().DumpClientMessages {
			log.Printf("[server] %s: %s", c.name, utils.SDump(e))
		}

		done, err := c.dispatch(e)
		if err != nil {
			log.Printf("[server] %s: %s failed: %v", c.name, e.Type, err)
			return
		}
		if done {
			return
		}
	}
}

// dispatch handles one envelope. A returned error is fatal to the
// connection; per-request failures go back to the client in a Result.
func (c *connection) dispatch(e *protocol.Envelope) (done bool, err error) {
	if !c.handshaken && e.Type != protocol.TypeHello {
		return true, errors.Errorf("first message must be %s, got %s", protocol.TypeHello, e.Type)
	}

	switch e.Type {
	case protocol.TypeHello:
		return c.handleHello(e)

	case protocol.TypeBye:
		c.sendResult(nil)
		return true, nil

	case protocol.TypeQuit:
		c.sendResult(nil)
		c.server.RequestQuit()
		return true, nil

	case protocol.TypeClearScene:
		c.session.EnsureIdle()
		c.scene.ClearScene()
		c.sendResult(nil)

	case protocol.TypeUpdateRendererKind:
		var u protocol.UpdateRendererKind
		c.mutate(e, &u, func() error { return c.scene.SetRendererKind(u.Kind) })

	case protocol.TypeUpdateRenderSettings:
		var u protocol.RenderSettings
		c.mutate(e, &u, func() error { c.scene.ApplyRenderSettings(&u); return nil })

	case protocol.TypeUpdateWorldSettings:
		var u protocol.WorldSettings
		c.mutate(e, &u, func() error { c.scene.ApplyWorldSettings(&u); return nil })

	case protocol.TypeUpdateCamera:
		var u protocol.CameraSettings
		c.mutate(e, &u, func() error { return c.scene.UpdateCamera(&u) })

	case protocol.TypeUpdateFramebuffer:
		var u protocol.UpdateFramebuffer
		c.mutate(e, &u, func() error { return c.session.SetFramebuffer(&u) })

	case protocol.TypeUpdateMaterial:
		var u protocol.MaterialUpdate
		c.mutate(e, &u, func() error { return c.scene.UpdateMaterial(&u) })

	case protocol.TypeUpdateObject:
		var u protocol.UpdateObject
		c.mutate(e, &u, func() error { return c.scene.UpsertObject(&u) })

	case protocol.TypeUpdatePluginInstance:
		var u protocol.UpdatePluginInstance
		c.mutate(e, &u, func() error {
			_, err := c.scene.UpsertPluginInstance(&u)
			return err
		})

	case protocol.TypeUpdateMeshData:
		return false, c.handleMeshData(e)

	case protocol.TypeGetServerState:
		c.send(protocol.TypeServerState, &protocol.ServerStateResult{State: c.scene.ServerState()})

	case protocol.TypeQueryBound:
		return false, c.handleQueryBound(e)

	case protocol.TypeStartRendering:
		var u protocol.StartRendering
		if err := e.Decode(&u); err != nil {
			c.sendResult(err)
			return false, nil
		}
		c.sendResult(c.session.Start(&u))

	case protocol.TypeCancelRendering:
		c.session.Cancel()

	case protocol.TypeRequestOutputChannel:
		c.handleRequestOutputChannel()

	default:
		return true, errors.Errorf("unexpected message type %s", e.Type)
	}

	return false, nil
}

func (c *connection) handleHello(e *protocol.Envelope) (done bool, err error) {
	var hello protocol.Hello
	if err := e.Decode(&hello); err != nil {
		return true, err
	}
	if hello.Version != protocol.Version {
		c.sendResult(errors.Errorf("protocol version mismatch: server %d, client %d",
			protocol.Version, hello.Version))
		return true, nil
	}
	c.handshaken = true
	c.sendResult(nil)
	log.Printf("[server] %s: handshake complete, protocol version %d", c.name, hello.Version)
	return false, nil
}

// handleMeshData reads the announced binary frames before touching the
// scene, so a malformed update leaves the stream in a known state.
func (c *connection) handleMeshData(e *protocol.Envelope) error {
	var u protocol.UpdateMeshData
	if err := e.Decode(&u); err != nil {
		c.sendResult(err)
		return nil
	}

	c.bufs.Reserve(&u)

	frames := [][]float32{c.bufs.Vertices}
	if u.HasNormals {
		frames = append(frames, c.bufs.Normals)
	}
	if u.HasVertexColors {
		frames = append(frames, c.bufs.Colors)
	}
	for _, dst := range frames {
		data, err := c.readBinaryFrame()
		if err != nil {
			return err
		}
		if err := protocol.DecodeFloats(dst, data); err != nil {
			c.sendResult(err)
			return nil
		}
	}

	data, err := c.readBinaryFrame()
	if err != nil {
		return err
	}
	if err := protocol.DecodeUints(c.bufs.Triangles, data); err != nil {
		c.sendResult(err)
		return nil
	}

	c.session.EnsureIdle()
	c.sendResult(c.scene.UpsertMesh(&u, &c.bufs))
	return nil
}

func (c *connection) handleQueryBound(e *protocol.Envelope) error {
	var q protocol.QueryBound
	if err := e.Decode(&q); err != nil {
		c.sendResult(err)
		return nil
	}

	data, err := c.scene.Bound(q.Name)
	if err != nil {
		c.send(protocol.TypeBoundResult, &protocol.BoundResult{Success: false, Message: err.Error()})
		return nil
	}

	c.send(protocol.TypeBoundResult, &protocol.BoundResult{Success: true, Size: uint32(len(data))})
	return c.writeBinary(c.ws, data)
}

func (c *connection) handleRequestOutputChannel() {
	c.writeMu.Lock()
	if c.outputName == "" {
		c.outputName = c.name
		c.outputCh = c.server.registerOutput(c.outputName)
	}
	name := c.outputName
	c.writeMu.Unlock()
	c.send(protocol.TypeResult, &protocol.Result{Success: true, Message: name})
}

// mutate is the common shape of scene updates: force the session idle,
// decode, apply, acknowledge.
func (c *connection) mutate(e *protocol.Envelope, dst interface{}, apply func() error) {
	if err := e.Decode(dst); err != nil {
		c.sendResult(err)
		return
	}
	c.session.EnsureIdle()
	c.sendResult(apply())
}

func (c *connection) readBinaryFrame() ([]byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrapf(err, "read of binary frame failed")
	}
	if mt != websocket.BinaryMessage {
		return nil, errors.Errorf("expected a binary frame, got message type %d", mt)
	}
	return data, nil
}

func (c *connection) sendResult(err error) {
	r := &protocol.Result{Success: err == nil}
	if err != nil {
		r.Message = err.Error()
	}
	c.send(protocol.TypeResult, r)
}

func (c *connection) send(t protocol.MessageType, payload interface{}) {
	data, err := protocol.Encode(t, payload)
	if err != nil {
		log.Printf("[server] %s: %v", c.name, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[server] %s: write error: %v", c.name, err)
	}
}

func (c *connection) writeBinary(ws *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// outputConn returns the websocket render results go to: the attached
// output channel when one arrived, the main connection otherwise.
// Callers hold writeMu.
func (c *connection) outputConn() *websocket.Conn {
	if c.output != nil {
		return c.output
	}
	if c.outputCh != nil {
		select {
		case ws := <-c.outputCh:
			c.output = ws
			return ws
		default:
		}
	}
	return c.ws
}

// emitUpdate runs on the render goroutine.
func (c *connection) emitUpdate(u session.Update) {
	data, err := protocol.Encode(protocol.TypeRenderResult, &u.Result)
	if err != nil {
		log.Printf("[server] %s: %v", c.name, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws := c.outputConn()
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[server] %s: render result write error: %v", c.name, err)
		return
	}
	if u.Payload != nil {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, u.Payload); err != nil {
			log.Printf("[server] %s: render payload write error: %v", c.name, err)
		}
	}
}
