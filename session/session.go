// Package session drives render sessions: a render goroutine accumulates
// samples into a framebuffer and reports progress records after every
// sample. The owning connection starts at most one session at a time and
// forces the session idle before any scene mutation.
package session

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mogri/sceneserver/protocol"
	"github.com/mogri/sceneserver/render"
	"github.com/mogri/sceneserver/scene"
	"github.com/mogri/sceneserver/status"
)

const defaultReductionFactor = 16

type Config struct {
	// ScratchDir receives the encoded framebuffer files of final renders.
	ScratchDir string
	// KeepFramebufferFiles leaves the per-sample files on disk instead of
	// deleting them after streaming.
	KeepFramebufferFiles bool
}

// Update is one progress record plus the binary payload announced by it:
// an encoded image file for final renders, raw pixels for interactive
// renders, nil for CANCELED and DONE records.
type Update struct {
	Result  protocol.RenderResult
	Payload []byte
}

// Session owns the framebuffers and the render goroutine of one
// connection. All methods run on the connection goroutine; emit is called
// from the render goroutine and must serialize writes itself.
type Session struct {
	scene *scene.Scene
	cfg   Config
	emit  func(Update)

	width, height int
	format        render.PixelFormat

	// per reduction factor, created on demand
	framebuffers map[int]render.Framebuffer

	mu        sync.Mutex
	rendering bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(sc *scene.Scene, cfg Config, emit func(Update)) *Session {
	return &Session{
		scene:        sc,
		cfg:          cfg,
		emit:         emit,
		framebuffers: map[int]render.Framebuffer{},
	}
}

// SetFramebuffer reconfigures the output dimensions and pixel format,
// dropping all cached framebuffers. Only legal while idle.
func (s *Session) SetFramebuffer(u *protocol.UpdateFramebuffer) error {
	if s.Rendering() {
		return errors.Errorf("cannot reconfigure framebuffer while rendering")
	}
	if u.Width < 1 || u.Height < 1 {
		return errors.Errorf("invalid framebuffer size %dx%d", u.Width, u.Height)
	}

	var format render.PixelFormat
	switch u.Format {
	case "srgba":
		format = render.FormatSRGBA
	case "rgba32f":
		format = render.FormatRGBA32F
	default:
		return errors.Errorf("unknown framebuffer format %q", u.Format)
	}

	for _, fb := range s.framebuffers {
		fb.Release()
	}
	s.framebuffers = map[int]render.Framebuffer{}

	s.width, s.height, s.format = u.Width, u.Height, format
	log.Printf("[session] framebuffer %dx%d, format %s", u.Width, u.Height, format)
	return nil
}

func (s *Session) framebufferFor(factor int) render.Framebuffer {
	if fb, ok := s.framebuffers[factor]; ok {
		return fb
	}
	w, h := s.width/factor, s.height/factor
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	fb := s.scene.Device().NewFramebuffer(w, h, s.format)
	s.framebuffers[factor] = fb
	return fb
}

func (s *Session) Rendering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendering
}

// Start launches the render goroutine. The world is snapshotted from the
// scene here, so later scene edits never affect a running session.
func (s *Session) Start(req *protocol.StartRendering) error {
	if s.Rendering() {
		return errors.Errorf("render already in progress")
	}
	if s.width == 0 || s.height == 0 {
		return errors.Errorf("framebuffer not configured")
	}
	if s.scene.Camera() == nil {
		return errors.Errorf("no camera set")
	}

	interactive := false
	switch req.Mode {
	case "final":
	case "interactive":
		interactive = true
	default:
		return errors.Errorf("unknown render mode %q", req.Mode)
	}

	samples := req.Samples
	if samples < 1 {
		samples = s.scene.Samples()
	}
	factor := 1
	if interactive {
		factor = req.ReductionFactor
		if factor < 1 {
			factor = defaultReductionFactor
		}
	}

	world := s.scene.BuildWorld()
	renderer := s.scene.Renderer()
	camera := s.scene.Camera()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.rendering = true
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	log.Printf("[session] starting %s render, %d sample(s), reduction factor %d",
		req.Mode, samples, factor)

	go func() {
		defer close(done)
		defer world.Release()
		defer func() {
			s.mu.Lock()
			s.rendering = false
			s.mu.Unlock()
		}()

		if interactive {
			s.renderInteractive(ctx, renderer, camera, world, samples, factor)
		} else {
			s.renderFinal(ctx, renderer, camera, world, samples)
		}
	}()

	return nil
}

// Cancel requests cancellation of the running session, if any. The
// session keeps running until the sample in flight completes, then emits
// its CANCELED record.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.rendering && s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// EnsureIdle cancels any running session and blocks until its goroutine
// has exited. Scene mutations only happen behind this barrier.
func (s *Session) EnsureIdle() {
	s.mu.Lock()
	done := s.done
	cancel := s.cancel
	rendering := s.rendering
	s.mu.Unlock()

	if !rendering {
		return
	}
	cancel()
	<-done
}

// Close tears the session down, releasing the framebuffers.
func (s *Session) Close() {
	s.EnsureIdle()
	for _, fb := range s.framebuffers {
		fb.Release()
	}
	s.framebuffers = map[int]render.Framebuffer{}
}

type memoryTracker struct {
	peak float32
}

func (t *memoryTracker) sample() float32 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	current := float32(ms.Alloc) / (1024 * 1024)
	if current > t.peak {
		t.peak = current
	}
	return current
}

func varianceFields(r *protocol.RenderResult, variance float64) {
	if isInf(variance) {
		r.VarianceUnbounded = true
	} else {
		r.Variance = variance
	}
}

func (s *Session) renderFinal(ctx context.Context, r render.Renderer, c render.Camera, w render.World, samples int) {
	fb := s.framebufferFor(1)
	fb.ResetAccumulation()

	var mem memoryTracker
	started := time.Now()

	for sample := 1; sample <= samples; sample++ {
		if ctx.Err() != nil {
			s.emitCanceled(sample)
			return
		}

		variance, err := s.scene.Device().RenderFrame(fb, r, c, w)
		if err != nil {
			log.Printf("[session] render failed at sample %d: %v", sample, err)
			s.emitCanceled(sample)
			return
		}

		payload, err := encodeFramebuffer(fb)
		if err != nil {
			log.Printf("[session] failed to encode framebuffer: %v", err)
			s.emitCanceled(sample)
			return
		}
		s.writeFramebufferFile(sample, payload)

		result := protocol.RenderResult{
			Type:           protocol.RenderFrame,
			Sample:         sample,
			ElapsedSeconds: time.Since(started).Seconds(),
			FileSize:       uint32(len(payload)),
			Width:          fb.Width(),
			Height:         fb.Height(),
			MemoryUsage:    mem.sample(),
		}
		varianceFields(&result, variance)
		s.emit(Update{Result: result, Payload: payload})
		status.Progress(float32(sample)/float32(samples), "sample %d of %d", sample, samples)
	}

	s.emitDone(started, &mem)
}

// renderInteractive walks the reduction factor down to 1, one sample per
// coarse level, then keeps accumulating at full resolution.
func (s *Session) renderInteractive(ctx context.Context, r render.Renderer, c render.Camera, w render.World, samples, factor int) {
	for f := factor; f >= 1; f /= 2 {
		s.framebufferFor(f).ResetAccumulation()
	}

	var mem memoryTracker
	started := time.Now()
	sample := 1

	for {
		if ctx.Err() != nil {
			s.emitCanceled(sample)
			return
		}

		fb := s.framebufferFor(factor)
		variance, err := s.scene.Device().RenderFrame(fb, r, c, w)
		if err != nil {
			log.Printf("[session] render failed at sample %d: %v", sample, err)
			s.emitCanceled(sample)
			return
		}

		payload := protocol.EncodeFloats(fb.MapColor())
		result := protocol.RenderResult{
			Type:            protocol.RenderFrame,
			Sample:          sample,
			ElapsedSeconds:  time.Since(started).Seconds(),
			FileSize:        uint32(len(payload)),
			Width:           fb.Width(),
			Height:          fb.Height(),
			ReductionFactor: factor,
			MemoryUsage:     mem.sample(),
		}
		varianceFields(&result, variance)
		s.emit(Update{Result: result, Payload: payload})

		if factor > 1 {
			factor /= 2
			continue
		}
		if sample >= samples {
			break
		}
		sample++
	}

	s.emitDone(started, &mem)
}

func (s *Session) emitCanceled(sample int) {
	log.Printf("[session] render canceled at sample %d", sample)
	s.emit(Update{Result: protocol.RenderResult{
		Type:   protocol.RenderCanceled,
		Sample: sample,
	}})
}

func (s *Session) emitDone(started time.Time, mem *memoryTracker) {
	mem.sample()
	s.emit(Update{Result: protocol.RenderResult{
		Type:            protocol.RenderDone,
		ElapsedSeconds:  time.Since(started).Seconds(),
		PeakMemoryUsage: mem.peak,
	}})
}

func (s *Session) writeFramebufferFile(sample int, payload []byte) {
	if !s.cfg.KeepFramebufferFiles || s.cfg.ScratchDir == "" {
		return
	}
	name := filepath.Join(s.cfg.ScratchDir, framebufferFileName(sample))
	if err := os.WriteFile(name, payload, 0644); err != nil {
		log.Printf("[session] failed to write %s: %v", name, err)
	}
}
