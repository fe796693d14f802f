package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saker-ai/smart-intercom/internal/device"
	"github.com/saker-ai/smart-intercom/internal/protocol"
	"github.com/saker-ai/smart-intercom/internal/ws"
	"github.com/saker-ai/smart-intercom/pkg/audio"
	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

const (
	defaultKeepalive = 5 * time.Second
	maxSpeakBody     = 16 << 20
)

// commandAliases maps service-call names onto wire commands.
var commandAliases = map[string]string{
	"set_marquee_field":   protocol.CmdSetField,
	"clear_marquee_field": protocol.CmdClearField,
}

// Registry resolves bridged devices by id.
type Registry interface {
	Devices() []*device.Coordinator
	Device(id string) (*device.Coordinator, bool)
}

// Options configures the audio routes.
type Options struct {
	Format    audio.Format
	ChunkSize int
	// Keepalive is how long the live WAV stream waits for a frame before
	// writing a chunk of silence.
	Keepalive time.Duration
}

type handlers struct {
	registry Registry
	opts     Options
	control  *ws.Handler
	logger   *zap.Logger
}

// NewRouter builds the bridge HTTP API.
func NewRouter(registry Registry, opts Options, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Format = opts.Format.Normalize()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = intercom.DefaultChunkSize
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	h := &handlers{
		registry: registry,
		opts:     opts,
		control: ws.NewHandler(ws.Options{
			Format:    opts.Format,
			ChunkSize: opts.ChunkSize,
			Keepalive: opts.Keepalive,
		}, logger),
		logger: logger,
	}

	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/devices")
	api.GET("", h.listDevices)
	api.GET("/:id/state", h.deviceState)
	api.POST("/:id/commands/:name", h.sendCommand)
	api.POST("/:id/streaming-mode", h.setStreamingMode)
	api.POST("/:id/volume", h.setVolume)
	api.POST("/:id/display/:line", h.setDisplayLine)
	api.POST("/:id/marquee/:index/icon", h.selectMarqueeIcon)
	api.POST("/:id/icons/refresh", h.refreshIcons)
	api.GET("/:id/audio.wav", h.streamWAV)
	api.POST("/:id/speak", h.speak)
	api.GET("/:id/ws", h.controlSession)

	return router
}

type deviceSummary struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Connected     bool   `json:"connected"`
	StreamingMode string `json:"streaming_mode"`
	Listeners     int    `json:"listeners"`
}

func (h *handlers) listDevices(c *gin.Context) {
	coords := h.registry.Devices()
	out := make([]deviceSummary, 0, len(coords))
	for _, coord := range coords {
		snap := coord.Snapshot()
		out = append(out, deviceSummary{
			ID:            snap.ID,
			Name:          snap.Name,
			Connected:     snap.Connected,
			StreamingMode: snap.StreamingMode,
			Listeners:     coord.Listeners(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (h *handlers) deviceState(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

func (h *handlers) sendCommand(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	name := strings.ToLower(strings.TrimSpace(c.Param("name")))
	if alias, found := commandAliases[name]; found {
		name = alias
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	cmd, err := protocol.ParseCommand(name, body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	switch v := cmd.(type) {
	case protocol.SetMicGain:
		err = coord.SetMicGain(ctx, v.Value)
	case protocol.SetSpeakerGain:
		err = coord.SetSpeakerGain(ctx, v.Value)
	default:
		err = coord.Send(ctx, cmd)
	}
	if err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

type streamingModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (h *handlers) setStreamingMode(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	var req streamingModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	switch req.Mode {
	case protocol.ModeIdle, protocol.ModeFullDuplex, protocol.ModeListen, protocol.ModeSpeak:
	default:
		writeError(c, http.StatusBadRequest, errors.New("unknown streaming mode "+strconv.Quote(req.Mode)))
		return
	}
	if err := coord.SetStreamingMode(c.Request.Context(), req.Mode); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (h *handlers) setVolume(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	var req volumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := coord.SetVolume(c.Request.Context(), *req.Volume); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// refreshIcons asks the device for its icon catalog. The catalog lands in
// the device state when the reply arrives.
func (h *handlers) refreshIcons(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	if err := coord.RequestIcons(c.Request.Context()); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, coord.Snapshot())
}

type textRequest struct {
	Text string `json:"text"`
}

func (h *handlers) setDisplayLine(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	line, err := strconv.Atoi(c.Param("line"))
	if err != nil || line < 1 || line > 2 {
		writeError(c, http.StatusBadRequest, errors.New("display line must be 1 or 2"))
		return
	}
	var req textRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := coord.SetDisplayLine(c.Request.Context(), line, req.Text); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

type iconRequest struct {
	Icon string `json:"icon" binding:"required"`
}

func (h *handlers) selectMarqueeIcon(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= protocol.MarqueeSlots {
		writeError(c, http.StatusBadRequest, errors.New("marquee index out of range"))
		return
	}
	var req iconRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := coord.SelectMarqueeIcon(c.Request.Context(), index, req.Icon); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, coord.Snapshot())
}

// streamWAV serves device audio as an endless WAV file. Each request gets
// its own buffer; silence keeps the response alive while the device is
// quiet.
func (h *handlers) streamWAV(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	member, err := coord.JoinAudio()
	if err != nil {
		writeError(c, http.StatusConflict, err)
		return
	}
	defer coord.LeaveAudio(member.ID)

	logger := h.logger.With(zap.String("device", coord.ID()), zap.String("listener", member.ID))
	logger.Info("audio listener attached")
	defer logger.Info("audio listener detached")

	ctx := c.Request.Context()
	w := c.Writer
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(audio.WAVHeader(h.opts.Format, 0)); err != nil {
		return
	}
	w.Flush()

	silence := audio.AcquireSilence(h.opts.ChunkSize)
	defer audio.ReleaseBytes(silence)
	for {
		frame, ok := member.Stream.Dequeue(ctx, h.opts.Keepalive)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			if !member.Stream.Started() {
				return
			}
			frame = silence
		}
		if _, err := w.Write(frame); err != nil {
			logger.Debug("audio listener write failed", zap.Error(err))
			return
		}
		w.Flush()
	}
}

// speak plays a raw PCM16 mono body on the device. The rate query parameter
// gives the body's sample rate when it differs from the device.
func (h *handlers) speak(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	rate := 0
	if raw := c.Query("rate"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(c, http.StatusBadRequest, errors.New("rate must be a positive integer"))
			return
		}
		rate = parsed
	}
	pcm, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSpeakBody+1))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if len(pcm) > maxSpeakBody {
		writeError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("pcm body exceeds %d bytes", maxSpeakBody))
		return
	}
	if len(pcm)%2 != 0 {
		writeError(c, http.StatusBadRequest, errors.New("pcm body must hold whole 16-bit samples"))
		return
	}

	speaker := audio.Speaker{
		Sender:    coord,
		Format:    h.opts.Format,
		ChunkSize: h.opts.ChunkSize,
		Logger:    h.logger.With(zap.String("device", coord.ID())),
	}
	if err := speaker.Play(c.Request.Context(), pcm, rate); err != nil {
		h.writeSendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bytes": len(pcm)})
}

func (h *handlers) controlSession(c *gin.Context) {
	coord, ok := h.lookup(c)
	if !ok {
		return
	}
	h.control.Handle(c.Writer, c.Request, coord)
}

func (h *handlers) lookup(c *gin.Context) (*device.Coordinator, bool) {
	coord, ok := h.registry.Device(c.Param("id"))
	if !ok {
		writeError(c, http.StatusNotFound, errors.New("unknown device "+strconv.Quote(c.Param("id"))))
		return nil, false
	}
	return coord, true
}

func (h *handlers) writeSendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, intercom.ErrNotConnected):
		writeError(c, http.StatusServiceUnavailable, err)
	case errors.Is(err, device.ErrAudioDisabled):
		writeError(c, http.StatusConflict, err)
	default:
		h.logger.Warn("device request failed", zap.String("device", c.Param("id")), zap.Error(err))
		writeError(c, http.StatusBadGateway, err)
	}
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
		)
	}
}
