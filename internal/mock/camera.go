// Package mock provides a synthetic streaming device for exercising a
// relay without real hardware.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/session"
)

// Pacing patterns.
const (
	PatternSteady = "steady" // one frame per tick
	PatternBurst  = "burst"  // several frames every few ticks
	PatternStall  = "stall"  // steady with periodic silent stretches
)

type CameraOptions struct {
	URL       string
	FPS       int
	Width     int
	Height    int
	Pattern   string
	Autostart bool
	Seed      int64
}

// Camera dials a relay and, while started, sends generated JPEG frames.
// START and STOP from the relay toggle streaming like a real device.
type Camera struct {
	opts CameraOptions
	rng  *rand.Rand
	log  logger.Logger

	streaming atomic.Bool
	sent      atomic.Uint64
	commands  atomic.Uint64
}

func NewCamera(opts CameraOptions, log logger.Logger) *Camera {
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.Width <= 0 {
		opts.Width = 320
	}
	if opts.Height <= 0 {
		opts.Height = 240
	}
	if opts.Pattern == "" {
		opts.Pattern = PatternSteady
	}
	c := &Camera{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
		log:  log.With(logger.F("component", "mock-camera")),
	}
	c.streaming.Store(opts.Autostart)
	return c
}

// Streaming reports whether the camera is currently sending frames.
func (c *Camera) Streaming() bool {
	return c.streaming.Load()
}

// Sent is the number of frames written so far.
func (c *Camera) Sent() uint64 {
	return c.sent.Load()
}

// Commands is the number of recognized commands received so far.
func (c *Camera) Commands() uint64 {
	return c.commands.Load()
}

// Run streams until ctx is done or the relay closes the connection. A
// close initiated by the relay is not an error.
func (c *Camera) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	defer conn.Close()
	c.log.Info("connected", logger.F("url", c.opts.URL), logger.F("pattern", c.opts.Pattern))

	readErr := make(chan error, 1)
	go c.readCommands(conn, readErr)

	ticker := time.NewTicker(time.Second / time.Duration(c.opts.FPS))
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			return c.readDone(err)
		case <-ticker.C:
			tick++
			if !c.streaming.Load() {
				continue
			}
			for i := 0; i < c.framesFor(tick); i++ {
				data, err := c.render(tick)
				if err != nil {
					return err
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					// A relay close can break the write before the reader
					// sees the close frame.
					select {
					case rerr := <-readErr:
						return c.readDone(rerr)
					case <-time.After(time.Second):
					}
					return fmt.Errorf("sending frame: %w", err)
				}
				c.sent.Add(1)
			}
		}
	}
}

func (c *Camera) readDone(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.log.Info("relay closed the stream")
		return nil
	}
	return fmt.Errorf("reading from relay: %w", err)
}

func (c *Camera) readCommands(conn *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		cmd, err := session.ParseCommand(string(data))
		if err != nil {
			c.log.Warn("ignoring unknown command", logger.F("data", string(data)))
			continue
		}
		c.commands.Add(1)
		c.streaming.Store(cmd == session.CommandStart)
		c.log.Info("command received", logger.F("command", string(cmd)))
	}
}

// framesFor returns how many frames to send on this tick.
func (c *Camera) framesFor(tick int) int {
	switch c.opts.Pattern {
	case PatternBurst:
		if tick%4 == 0 {
			return 3 + c.rng.Intn(3)
		}
		return 0
	case PatternStall:
		if (tick/20)%3 == 2 {
			return 0
		}
		return 1
	default:
		return 1
	}
}

// render draws a moving gradient with a little noise so consecutive
// frames differ.
func (c *Camera) render(tick int) ([]byte, error) {
	w, h := c.opts.Width, c.opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	phase := float64(tick) / 10
	bar := tick % w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.5 + 0.5*math.Sin(phase+float64(x+y)/40)
			img.Set(x, y, color.RGBA{
				R: uint8(v * 255),
				G: uint8(float64(y) / float64(h) * 255),
				B: uint8(c.rng.Intn(32)),
				A: 255,
			})
		}
		img.Set(bar, y, color.White)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}
