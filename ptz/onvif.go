package ptz

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	nsDevice  = "http://www.onvif.org/ver10/device/wsdl"
	nsMedia   = "http://www.onvif.org/ver10/media/wsdl"
	nsPTZ     = "http://www.onvif.org/ver20/ptz/wsdl"
	nsImaging = "http://www.onvif.org/ver20/imaging/wsdl"
	nsSchema  = "http://www.onvif.org/ver10/schema"

	nsWSSE = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWSU  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"

	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	base64EncodingType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// SOAPFault is a fault returned by an ONVIF service.
type SOAPFault struct {
	Code   string `xml:"Code>Value"`
	Reason string `xml:"Reason>Text"`
}

func (f *SOAPFault) Error() string {
	return fmt.Sprintf("soap fault %s: %s", f.Code, f.Reason)
}

type soapEnvelope struct {
	Body struct {
		Fault   *SOAPFault `xml:"Fault"`
		Content []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

// ONVIFConfig identifies the camera's device service.
type ONVIFConfig struct {
	Host       string // ip:port
	User       string
	Pass       string
	HTTPClient *http.Client
}

// ONVIFTransport speaks the ONVIF PTZ, media and imaging services over SOAP
// with WS-Security UsernameToken digest authentication.
type ONVIFTransport struct {
	user   string
	pass   string
	client *http.Client

	deviceURL  string
	mediaURL   string
	ptzURL     string
	imagingURL string

	profileToken     string
	videoSourceToken string

	// now stamps the UsernameToken Created field.
	now func() time.Time
}

// DialONVIF connects to the device service, discovers the media, PTZ and
// imaging endpoints and selects the first media profile.
func DialONVIF(ctx context.Context, cfg ONVIFConfig) (*ONVIFTransport, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	host := cfg.Host
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	t := &ONVIFTransport{
		user:      cfg.User,
		pass:      cfg.Pass,
		client:    client,
		deviceURL: host + "/onvif/device_service",
		now:       time.Now,
	}

	if err := t.discoverServices(ctx); err != nil {
		return nil, fmt.Errorf("onvif capabilities: %w", err)
	}
	if err := t.selectProfile(ctx); err != nil {
		return nil, fmt.Errorf("onvif profiles: %w", err)
	}
	if t.imagingURL != "" {
		if err := t.selectVideoSource(ctx); err != nil {
			// Imaging is optional; the PTZ surface still works without it.
			log.Warn().Str("component", "ONVIF").Err(err).Msg("no video source for imaging")
			t.imagingURL = ""
		}
	}

	log.Info().Str("component", "ONVIF").
		Str("ptz", t.ptzURL).Str("profile", t.profileToken).Bool("imaging", t.imagingURL != "").
		Msg("connected")
	return t, nil
}

func (t *ONVIFTransport) securityHeader() string {
	if t.user == "" {
		return ""
	}

	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	created := t.now().UTC().Format("2006-01-02T15:04:05.000Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(t.pass))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(`<s:Header><wsse:Security s:mustUnderstand="1" xmlns:wsse="%s" xmlns:wsu="%s"><wsse:UsernameToken><wsse:Username>%s</wsse:Username><wsse:Password Type="%s">%s</wsse:Password><wsse:Nonce EncodingType="%s">%s</wsse:Nonce><wsu:Created>%s</wsu:Created></wsse:UsernameToken></wsse:Security></s:Header>`,
		nsWSSE, nsWSU, xmlEscape(t.user), passwordDigestType, digest,
		base64EncodingType, base64.StdEncoding.EncodeToString(nonce), created)
}

// call posts one SOAP request and decodes the first body element into out.
func (t *ONVIFTransport) call(ctx context.Context, url, body string, out interface{}) error {
	envelope := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:tds="%s" xmlns:trt="%s" xmlns:tptz="%s" xmlns:timg="%s" xmlns:tt="%s">%s<s:Body>%s</s:Body></s:Envelope>`,
		nsDevice, nsMedia, nsPTZ, nsImaging, nsSchema, t.securityHeader(), body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(envelope))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env soapEnvelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Body.Fault != nil {
		return env.Body.Fault
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(env.Body.Content, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type capabilitiesResponse struct {
	Media struct {
		XAddr string `xml:"XAddr"`
	} `xml:"Capabilities>Media"`
	PTZ struct {
		XAddr string `xml:"XAddr"`
	} `xml:"Capabilities>PTZ"`
	Imaging struct {
		XAddr string `xml:"XAddr"`
	} `xml:"Capabilities>Imaging"`
}

func (t *ONVIFTransport) discoverServices(ctx context.Context) error {
	var resp capabilitiesResponse
	err := t.call(ctx, t.deviceURL,
		`<tds:GetCapabilities><tds:Category>All</tds:Category></tds:GetCapabilities>`, &resp)
	if err != nil {
		return err
	}
	if resp.PTZ.XAddr == "" {
		return fmt.Errorf("device reports no PTZ service")
	}
	t.mediaURL = resp.Media.XAddr
	t.ptzURL = resp.PTZ.XAddr
	t.imagingURL = resp.Imaging.XAddr
	return nil
}

type profilesResponse struct {
	Profiles []struct {
		Token string `xml:"token,attr"`
		Name  string `xml:"Name"`
	} `xml:"Profiles"`
}

func (t *ONVIFTransport) selectProfile(ctx context.Context) error {
	var resp profilesResponse
	if err := t.call(ctx, t.mediaURL, `<trt:GetProfiles/>`, &resp); err != nil {
		return err
	}
	if len(resp.Profiles) == 0 {
		return fmt.Errorf("device has no media profiles")
	}
	t.profileToken = resp.Profiles[0].Token
	return nil
}

type videoSourcesResponse struct {
	VideoSources []struct {
		Token string `xml:"token,attr"`
	} `xml:"VideoSources"`
}

func (t *ONVIFTransport) selectVideoSource(ctx context.Context) error {
	var resp videoSourcesResponse
	if err := t.call(ctx, t.mediaURL, `<trt:GetVideoSources/>`, &resp); err != nil {
		return err
	}
	if len(resp.VideoSources) == 0 {
		return fmt.Errorf("device has no video sources")
	}
	t.videoSourceToken = resp.VideoSources[0].Token
	return nil
}

// ProfileToken returns the media profile used for PTZ commands.
func (t *ONVIFTransport) ProfileToken() string {
	return t.profileToken
}

// ContinuousMove sends a ContinuousMove with pan/tilt and zoom velocity.
func (t *ONVIFTransport) ContinuousMove(ctx context.Context, v Velocity) error {
	body := fmt.Sprintf(`<tptz:ContinuousMove><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:Velocity><tt:PanTilt x="%s" y="%s"/><tt:Zoom x="%s"/></tptz:Velocity></tptz:ContinuousMove>`,
		xmlEscape(t.profileToken), formatFloat(v.Pan), formatFloat(v.Tilt), formatFloat(v.Zoom))
	if err := t.call(ctx, t.ptzURL, body, nil); err != nil {
		log.Error().Str("component", "ONVIF").Err(err).Msg("continuous move failed")
		return err
	}
	return nil
}

// AbsoluteMove sends an AbsoluteMove at the profile's default speed.
func (t *ONVIFTransport) AbsoluteMove(ctx context.Context, p Position) error {
	body := fmt.Sprintf(`<tptz:AbsoluteMove><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:Position><tt:PanTilt x="%s" y="%s"/><tt:Zoom x="%s"/></tptz:Position></tptz:AbsoluteMove>`,
		xmlEscape(t.profileToken), formatFloat(p.Pan), formatFloat(p.Tilt), formatFloat(p.Zoom))
	if err := t.call(ctx, t.ptzURL, body, nil); err != nil {
		log.Error().Str("component", "ONVIF").Err(err).Msg("absolute move failed")
		return err
	}
	return nil
}

// Stop halts pan, tilt and zoom.
func (t *ONVIFTransport) Stop(ctx context.Context) error {
	body := fmt.Sprintf(`<tptz:Stop><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:PanTilt>true</tptz:PanTilt><tptz:Zoom>true</tptz:Zoom></tptz:Stop>`,
		xmlEscape(t.profileToken))
	return t.call(ctx, t.ptzURL, body, nil)
}

type statusResponse struct {
	PanTilt struct {
		X float64 `xml:"x,attr"`
		Y float64 `xml:"y,attr"`
	} `xml:"PTZStatus>Position>PanTilt"`
	Zoom struct {
		X float64 `xml:"x,attr"`
	} `xml:"PTZStatus>Position>Zoom"`
}

// Status returns the reported pose.
func (t *ONVIFTransport) Status(ctx context.Context) (Position, error) {
	var resp statusResponse
	body := fmt.Sprintf(`<tptz:GetStatus><tptz:ProfileToken>%s</tptz:ProfileToken></tptz:GetStatus>`,
		xmlEscape(t.profileToken))
	if err := t.call(ctx, t.ptzURL, body, &resp); err != nil {
		return Position{}, err
	}
	return Position{Pan: resp.PanTilt.X, Tilt: resp.PanTilt.Y, Zoom: resp.Zoom.X}, nil
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.4f", v)
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
