// Package detector implements detection.Detector against a remote HTTP
// inference service.
//
// The service accepts a multipart JPEG upload and answers with
// {"detections":[{"bbox":[x1,y1,x2,y2],"label":"...","class_id":0,"confidence":0.9}],
// "time_ms":12.3,"model_name":"..."}. class_id is optional; when it is
// missing the client assigns stable ids to labels as it learns them.
package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/detection"
	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

const (
	// InferPath is appended to the configured service URL
	InferPath = "/infer/eye"

	DefaultTimeout    = 5 * time.Second
	DefaultConfidence = 0.25
	DefaultIoU        = 0.5
	DefaultImageSize  = 640

	// maxResponseBytes caps how much of a response body is read
	maxResponseBytes = 4 << 20

	userAgent = "presence-go"
)

// ErrInvalidConfidence is returned for thresholds outside (0, 1]
var ErrInvalidConfidence = errors.NewStd("confidence must be in (0, 1]")

// Observer receives per-request outcomes
type Observer interface {
	InferenceCompleted(d time.Duration, detections int, err error)
}

// Client talks to the inference service. It is safe for concurrent use by
// any number of sessions.
type Client struct {
	endpoint string
	http     *http.Client
	iou      float64
	imgsz    int
	limiter  *rate.Limiter
	observer Observer
	log      logger.Logger

	// confidence holds math.Float64bits of the current threshold
	confidence atomic.Uint64

	labelsMu sync.RWMutex
	labels   map[int]string
	ids      map[string]int
	nextID   int
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default transport, mostly for tests
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a client from detector settings. A configured label file is
// loaded eagerly so a missing file fails at startup.
func New(cfg conf.DetectorSettings, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.Newf("detector url is empty").
			Component("detector").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryConfiguration).
			Context("url", base).
			Build()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		endpoint: base + InferPath,
		http:     newHTTPClient(timeout),
		iou:      cfg.IoU,
		imgsz:    cfg.ImageSize,
		log:      logger.NewSlogLogger(nil, logger.LogLevelInfo, nil),
		labels:   make(map[int]string),
		ids:      make(map[string]int),
	}
	if c.iou <= 0 || c.iou > 1 {
		c.iou = DefaultIoU
	}
	if c.imgsz <= 0 {
		c.imgsz = DefaultImageSize
	}
	confidence := cfg.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultConfidence
	}
	c.confidence.Store(math.Float64bits(confidence))

	if cfg.RateLimit > 0 {
		burst := max(1, int(math.Ceil(cfg.RateLimit)))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	if cfg.LabelPath != "" {
		if err := c.loadLabelFile(cfg.LabelPath); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Confidence returns the current minimum confidence threshold
func (c *Client) Confidence() float64 {
	return math.Float64frombits(c.confidence.Load())
}

// SetConfidence changes the threshold used by subsequent requests
func (c *Client) SetConfidence(v float64) error {
	if math.IsNaN(v) || v <= 0 || v > 1 {
		return errors.New(ErrInvalidConfidence).
			Component("detector").
			Category(errors.CategoryValidation).
			Context("confidence", v).
			Build()
	}
	old := math.Float64frombits(c.confidence.Swap(math.Float64bits(v)))
	c.log.Info("confidence threshold changed",
		logger.Float64("old", old),
		logger.Float64("new", v))
	return nil
}

// LabelFor returns the class name known for classID
func (c *Client) LabelFor(classID int) (string, bool) {
	c.labelsMu.RLock()
	defer c.labelsMu.RUnlock()
	label, ok := c.labels[classID]
	return label, ok
}

// Labels returns a copy of the known class table
func (c *Client) Labels() map[int]string {
	c.labelsMu.RLock()
	defer c.labelsMu.RUnlock()
	out := make(map[int]string, len(c.labels))
	for id, label := range c.labels {
		out[id] = label
	}
	return out
}

// Infer uploads frame and returns the raw detections
func (c *Client) Infer(ctx context.Context, frame *detection.Frame) ([]detection.RawDetection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, errors.Newf("empty frame").
			Component("detector").
			Category(errors.CategoryValidation).
			Build()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.New(err).
				Component("detector").
				Category(errors.CategoryDetector).
				Context("stage", "rate_limit").
				Build()
		}
	}

	start := time.Now()
	raws, err := c.infer(ctx, frame)
	if c.observer != nil {
		c.observer.InferenceCompleted(time.Since(start), len(raws), err)
	}
	if err != nil {
		return nil, err
	}
	return raws, nil
}

func (c *Client) infer(ctx context.Context, frame *detection.Frame) ([]detection.RawDetection, error) {
	threshold := c.Confidence()

	req, err := c.newRequest(ctx, frame, threshold)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		category := errors.CategoryNetwork
		if ctx.Err() == nil && isTimeout(err) {
			category = errors.CategoryTimeout
		}
		return nil, errors.New(err).
			Component("detector").
			Category(category).
			Timing("infer", time.Since(start)).
			Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryNetwork).
			Build()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("inference service returned %d", resp.StatusCode).
			Component("detector").
			Category(errors.CategoryDetector).
			Context("status", resp.StatusCode).
			Context("body", truncate(string(body), 256)).
			Build()
	}

	var payload inferResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", detection.ErrMalformed, err)).
			Component("detector").
			Category(errors.CategoryDetector).
			Build()
	}

	c.log.Trace("inference completed",
		logger.Uint64("frame_seq", frame.Seq),
		logger.Int("detections", len(payload.Detections)),
		logger.Float64("service_ms", payload.TimeMS),
		logger.String("model", payload.ModelName))

	return c.toRaw(payload.Detections, threshold), nil
}

func (c *Client) newRequest(ctx context.Context, frame *detection.Frame, threshold float64) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="frame-%d.jpg"`, frame.Seq))
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err == nil {
		_, err = part.Write(frame.Data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryDetector).
			Context("stage", "encode").
			Build()
	}

	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(threshold, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(c.iou, 'f', -1, 64))
	q.Set("imgsz", strconv.Itoa(c.imgsz))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?"+q.Encode(), &buf)
	if err != nil {
		return nil, errors.New(err).
			Component("detector").
			Category(errors.CategoryDetector).
			Build()
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

type inferResponse struct {
	Detections []wireDetection `json:"detections"`
	TimeMS     float64         `json:"time_ms"`
	ModelName  string          `json:"model_name"`
}

// wireDetection uses pointers so absent fields can be told apart from zero
type wireDetection struct {
	BBox       []float64 `json:"bbox"`
	Label      string    `json:"label"`
	ClassID    *int      `json:"class_id"`
	Confidence *float64  `json:"confidence"`
}

// toRaw converts wire detections, learning labels on the way. Detections
// with a known confidence below threshold are dropped since the service may
// not honour the conf parameter.
func (c *Client) toRaw(in []wireDetection, threshold float64) []detection.RawDetection {
	out := make([]detection.RawDetection, 0, len(in))
	for _, d := range in {
		raw := detection.RawDetection{
			Coordinates: d.BBox,
			ClassID:     -1,
			Confidence:  math.NaN(),
		}
		if d.Confidence != nil {
			raw.Confidence = *d.Confidence
			if raw.Confidence < threshold {
				continue
			}
		}
		label := strings.TrimSpace(d.Label)
		switch {
		case d.ClassID != nil:
			raw.ClassID = *d.ClassID
			if label != "" && *d.ClassID >= 0 {
				c.learn(*d.ClassID, label)
			}
		case label != "":
			raw.ClassID = c.idFor(label)
		}
		out = append(out, raw)
	}
	return out
}

// learn records a class name reported by the service. The service is the
// authority, so a differing name replaces the previous one.
func (c *Client) learn(id int, label string) {
	c.labelsMu.Lock()
	defer c.labelsMu.Unlock()
	if prev, ok := c.labels[id]; ok && prev != label {
		delete(c.ids, prev)
		c.log.Debug("class label replaced",
			logger.Int("class_id", id),
			logger.String("old", prev),
			logger.String("new", label))
	}
	c.labels[id] = label
	c.ids[label] = id
	if id >= c.nextID {
		c.nextID = id + 1
	}
}

// idFor returns the id for label, allocating the next free one if needed
func (c *Client) idFor(label string) int {
	c.labelsMu.RLock()
	id, ok := c.ids[label]
	c.labelsMu.RUnlock()
	if ok {
		return id
	}

	c.labelsMu.Lock()
	defer c.labelsMu.Unlock()
	if id, ok := c.ids[label]; ok {
		return id
	}
	id = c.nextID
	c.nextID++
	c.labels[id] = label
	c.ids[label] = id
	return id
}

// loadLabelFile reads one label per line; the line index is the class id.
// Blank lines keep their index but define no label.
func (c *Client) loadLabelFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	id := 0
	for scanner.Scan() {
		if label := strings.TrimSpace(scanner.Text()); label != "" {
			c.learn(id, label)
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return errors.New(err).
			Component("detector").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	c.log.Info("loaded class labels", logger.String("path", path), logger.Int("count", len(c.labels)))
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ detection.Detector = (*Client)(nil)
