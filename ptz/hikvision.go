package ptz

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StatusError is a non-2xx reply from the camera's HTTP API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}

// hikvisionPosition is the AbsoluteHigh block of an ISAPI status reply.
// Azimuth and elevation are tenths of a degree, zoom is tenths of optical power.
type hikvisionPosition struct {
	Azimuth      float64 `xml:"azimuth"`
	Elevation    float64 `xml:"elevation"`
	AbsoluteZoom float64 `xml:"absoluteZoom"`
}

type hikvisionStatus struct {
	Position hikvisionPosition `xml:"AbsoluteHigh"`
}

// HikvisionTransport drives a Hikvision camera through the ISAPI PTZ endpoints
// using HTTP digest authentication.
type HikvisionTransport struct {
	host    string
	user    string
	pass    string
	channel int
	ranges  Ranges
	client  *http.Client
}

// NewHikvisionTransport returns a transport for host ("ip:port") on channel 1.
func NewHikvisionTransport(host, user, pass string, ranges Ranges) *HikvisionTransport {
	return &HikvisionTransport{
		host:    host,
		user:    user,
		pass:    pass,
		channel: 1,
		ranges:  ranges,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (h *HikvisionTransport) path(op string) string {
	return fmt.Sprintf("/ISAPI/PTZCtrl/channels/%d/%s", h.channel, op)
}

// do sends one request, answering a digest challenge if the camera issues one.
func (h *HikvisionTransport) do(ctx context.Context, method, uri string, payload []byte) ([]byte, error) {
	send := func(auth string) (*http.Response, []byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, "http://"+h.host+uri, body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/xml")
		}
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return resp, b, err
	}

	resp, body, err := send("")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		challenge, err := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		if err != nil {
			return nil, err
		}
		resp, body, err = send(challenge.authorization(h.user, h.pass, method, uri))
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

// ContinuousMove sends velocities scaled to the ISAPI range -100..100.
func (h *HikvisionTransport) ContinuousMove(ctx context.Context, v Velocity) error {
	payload := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<PTZData>
    <Continuous>
        <pan>%d</pan>
        <tilt>%d</tilt>
        <zoom>%d</zoom>
    </Continuous>
</PTZData>`, toSpeed(v.Pan), toSpeed(v.Tilt), toSpeed(v.Zoom))

	if _, err := h.do(ctx, http.MethodPut, h.path("continuous"), []byte(payload)); err != nil {
		log.Error().Str("component", "HIKVISION").Err(err).Msg("continuous move failed")
		return err
	}
	return nil
}

func toSpeed(v float64) int {
	return int(math.Round(Clamp(v, -1, 1) * 100))
}

// AbsoluteMove converts the normalized pose to ISAPI units and sends it.
func (h *HikvisionTransport) AbsoluteMove(ctx context.Context, p Position) error {
	panDeg, tiltDeg, power := h.ranges.ToPhysical(p)
	payload := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><PTZData><AbsoluteHigh><azimuth>%.0f</azimuth><elevation>%.0f</elevation><absoluteZoom>%.0f</absoluteZoom></AbsoluteHigh></PTZData>`,
		panDeg*10, tiltDeg*10, power*10)

	if _, err := h.do(ctx, http.MethodPut, h.path("absolute"), []byte(payload)); err != nil {
		log.Error().Str("component", "HIKVISION").Err(err).Msg("absolute move failed")
		return err
	}
	return nil
}

// Stop sends a zero continuous move, which is how ISAPI halts the motors.
func (h *HikvisionTransport) Stop(ctx context.Context) error {
	return h.ContinuousMove(ctx, Velocity{})
}

// Status reads the current pose and normalizes it.
func (h *HikvisionTransport) Status(ctx context.Context) (Position, error) {
	body, err := h.do(ctx, http.MethodGet, h.path("status"), nil)
	if err != nil {
		return Position{}, err
	}

	var status hikvisionStatus
	if err := xml.Unmarshal(body, &status); err != nil {
		return Position{}, fmt.Errorf("failed to decode status: %w", err)
	}

	return h.ranges.FromPhysical(
		status.Position.Azimuth/10,
		status.Position.Elevation/10,
		status.Position.AbsoluteZoom/10,
	), nil
}
