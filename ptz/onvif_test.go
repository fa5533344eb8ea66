package ptz

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const soapWrap = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope" xmlns:tt="http://www.onvif.org/ver10/schema" xmlns:tds="http://www.onvif.org/ver10/device/wsdl" xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl" xmlns:timg="http://www.onvif.org/ver20/imaging/wsdl">
<SOAP-ENV:Body>%s</SOAP-ENV:Body></SOAP-ENV:Envelope>`

// fakeONVIF answers the handful of ONVIF operations the transport uses.
type fakeONVIF struct {
	t        *testing.T
	srv      *httptest.Server
	imaging  bool
	mu       sync.Mutex
	requests []string
	status   string
	settings string
	fault    bool
}

func newFakeONVIF(t *testing.T, imaging bool) *fakeONVIF {
	f := &fakeONVIF{
		t:       t,
		imaging: imaging,
		status: `<tptz:GetStatusResponse><tptz:PTZStatus><tt:Position>
<tt:PanTilt x="0.25" y="-0.5" space="http://www.onvif.org/ver10/tptz/PanTiltSpaces/PositionGenericSpace"/>
<tt:Zoom x="0.75" space="http://www.onvif.org/ver10/tptz/ZoomSpaces/PositionGenericSpace"/>
</tt:Position><tt:MoveStatus><tt:PanTilt>IDLE</tt:PanTilt></tt:MoveStatus></tptz:PTZStatus></tptz:GetStatusResponse>`,
		settings: `<timg:GetImagingSettingsResponse><timg:ImagingSettings>
<tt:Exposure><tt:Mode>MANUAL</tt:Mode><tt:ExposureTime>20000</tt:ExposureTime><tt:Gain>12</tt:Gain><tt:Iris>1.5</tt:Iris></tt:Exposure>
<tt:Focus><tt:AutoFocusMode>AUTO</tt:AutoFocusMode></tt:Focus>
</timg:ImagingSettings></timg:GetImagingSettingsResponse>`,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeONVIF) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeONVIF) handle(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	body := string(raw)
	f.mu.Lock()
	f.requests = append(f.requests, body)
	f.mu.Unlock()

	assert.Contains(f.t, body, "<wsse:Username>admin</wsse:Username>")

	reply := func(s string) {
		w.Header().Set("Content-Type", "application/soap+xml")
		_, _ = fmt.Fprintf(w, soapWrap, s)
	}

	if f.fault && strings.Contains(body, "tptz:") {
		w.WriteHeader(http.StatusInternalServerError)
		reply(`<SOAP-ENV:Fault><SOAP-ENV:Code><SOAP-ENV:Value>SOAP-ENV:Sender</SOAP-ENV:Value></SOAP-ENV:Code><SOAP-ENV:Reason><SOAP-ENV:Text xml:lang="en">No such PTZNode</SOAP-ENV:Text></SOAP-ENV:Reason></SOAP-ENV:Fault>`)
		return
	}

	switch {
	case strings.Contains(body, "GetCapabilities"):
		imaging := ""
		if f.imaging {
			imaging = fmt.Sprintf(`<tt:Imaging><tt:XAddr>%s/onvif/imaging</tt:XAddr></tt:Imaging>`, f.srv.URL)
		}
		reply(fmt.Sprintf(`<tds:GetCapabilitiesResponse><tds:Capabilities>
<tt:Device><tt:XAddr>%[1]s/onvif/device_service</tt:XAddr></tt:Device>
%[2]s
<tt:Media><tt:XAddr>%[1]s/onvif/media</tt:XAddr></tt:Media>
<tt:PTZ><tt:XAddr>%[1]s/onvif/ptz</tt:XAddr></tt:PTZ>
</tds:Capabilities></tds:GetCapabilitiesResponse>`, f.srv.URL, imaging))
	case strings.Contains(body, "GetProfiles"):
		reply(`<trt:GetProfilesResponse><trt:Profiles token="MainStream" fixed="true"><tt:Name>main</tt:Name></trt:Profiles><trt:Profiles token="SubStream"><tt:Name>sub</tt:Name></trt:Profiles></trt:GetProfilesResponse>`)
	case strings.Contains(body, "GetVideoSources"):
		reply(`<trt:GetVideoSourcesResponse><trt:VideoSources token="VideoSource_1"><tt:Framerate>25</tt:Framerate></trt:VideoSources></trt:GetVideoSourcesResponse>`)
	case strings.Contains(body, "GetStatus"):
		reply(f.status)
	case strings.Contains(body, "GetImagingSettings"):
		reply(f.settings)
	default:
		reply(`<tptz:Ack/>`)
	}
}

func (f *fakeONVIF) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func TestDialONVIFDiscoversProfile(t *testing.T) {
	f := newFakeONVIF(t, true)

	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)

	assert.Equal(t, "MainStream", tr.ProfileToken())
	assert.Equal(t, f.srv.URL+"/onvif/ptz", tr.ptzURL)
	assert.Equal(t, "VideoSource_1", tr.videoSourceToken)
}

func TestONVIFStatus(t *testing.T) {
	f := newFakeONVIF(t, false)
	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)

	pos, err := tr.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Position{Pan: 0.25, Tilt: -0.5, Zoom: 0.75}, pos)
	assert.Contains(t, f.last(), "<tptz:ProfileToken>MainStream</tptz:ProfileToken>")
}

func TestONVIFMoveBodies(t *testing.T) {
	f := newFakeONVIF(t, false)
	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tr.ContinuousMove(ctx, Velocity{Pan: 0.5, Tilt: -0.25, Zoom: 0.1}))
	assert.Contains(t, f.last(), `<tt:PanTilt x="0.5000" y="-0.2500"/><tt:Zoom x="0.1000"/>`)
	assert.Contains(t, f.last(), "<tptz:ContinuousMove>")

	require.NoError(t, tr.AbsoluteMove(ctx, Position{Pan: -1, Tilt: 1, Zoom: 0}))
	assert.Contains(t, f.last(), "<tptz:AbsoluteMove>")
	assert.Contains(t, f.last(), `<tt:PanTilt x="-1.0000" y="1.0000"/><tt:Zoom x="0.0000"/>`)

	require.NoError(t, tr.Stop(ctx))
	assert.Contains(t, f.last(), "<tptz:PanTilt>true</tptz:PanTilt><tptz:Zoom>true</tptz:Zoom>")
}

func TestONVIFFault(t *testing.T) {
	f := newFakeONVIF(t, false)
	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)

	f.fault = true
	err = tr.Stop(context.Background())

	var fault *SOAPFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "SOAP-ENV:Sender", fault.Code)
	assert.Equal(t, "No such PTZNode", fault.Reason)
}

func TestONVIFImaging(t *testing.T) {
	f := newFakeONVIF(t, true)
	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	s, err := tr.ImagingSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, ImagingSettings{
		ExposureMode: ExposureManual, ExposureTime: 20000, Gain: 12, Iris: 1.5, FocusMode: FocusAuto,
	}, s)

	s.ExposureMode = ExposureAuto
	require.NoError(t, tr.SetImagingSettings(ctx, s))
	assert.Contains(t, f.last(), "<tt:Exposure><tt:Mode>AUTO</tt:Mode></tt:Exposure>")
	assert.Contains(t, f.last(), "<timg:VideoSourceToken>VideoSource_1</timg:VideoSourceToken>")

	require.NoError(t, tr.FocusMove(ctx, -0.5))
	assert.Contains(t, f.last(), "<tt:Speed>-0.5000</tt:Speed>")
	require.NoError(t, tr.FocusStop(ctx))
	assert.Contains(t, f.last(), "<timg:Stop>")
}

func TestONVIFImagingAbsent(t *testing.T) {
	f := newFakeONVIF(t, false)
	tr, err := DialONVIF(context.Background(), ONVIFConfig{Host: f.host(), User: "admin", Pass: "secret"})
	require.NoError(t, err)

	d := NewDevice(tr, DefaultLimits())
	assert.ErrorIs(t, d.SetFocusAuto(context.Background()), ErrUnsupported)
}

func TestONVIFPasswordDigest(t *testing.T) {
	tr := &ONVIFTransport{user: "admin", pass: "secret", now: func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}}

	header := tr.securityHeader()

	var sec struct {
		Security struct {
			Token struct {
				Password string `xml:"Password"`
				Nonce    string `xml:"Nonce"`
				Created  string `xml:"Created"`
			} `xml:"UsernameToken"`
		} `xml:"Security"`
	}
	require.NoError(t, xml.Unmarshal([]byte(
		strings.Replace(header, "<s:Header>", `<s:Header xmlns:s="http://www.w3.org/2003/05/soap-envelope">`, 1)), &sec))

	assert.Equal(t, "2024-05-01T12:00:00.000Z", sec.Security.Token.Created)
	nonce, err := base64.StdEncoding.DecodeString(sec.Security.Token.Nonce)
	require.NoError(t, err)

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(sec.Security.Token.Created))
	h.Write([]byte("secret"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(h.Sum(nil)), sec.Security.Token.Password)
}
