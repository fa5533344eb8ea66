package ptz

import (
	"context"
	"fmt"
)

type imagingSettingsResponse struct {
	Exposure struct {
		Mode         string  `xml:"Mode"`
		ExposureTime float64 `xml:"ExposureTime"`
		Gain         float64 `xml:"Gain"`
		Iris         float64 `xml:"Iris"`
	} `xml:"ImagingSettings>Exposure"`
	Focus struct {
		AutoFocusMode string `xml:"AutoFocusMode"`
	} `xml:"ImagingSettings>Focus"`
}

// ImagingSettings reads exposure and focus settings of the video source.
func (t *ONVIFTransport) ImagingSettings(ctx context.Context) (ImagingSettings, error) {
	if t.imagingURL == "" {
		return ImagingSettings{}, ErrUnsupported
	}

	var resp imagingSettingsResponse
	body := fmt.Sprintf(`<timg:GetImagingSettings><timg:VideoSourceToken>%s</timg:VideoSourceToken></timg:GetImagingSettings>`,
		xmlEscape(t.videoSourceToken))
	if err := t.call(ctx, t.imagingURL, body, &resp); err != nil {
		return ImagingSettings{}, err
	}

	return ImagingSettings{
		ExposureMode: ExposureMode(resp.Exposure.Mode),
		ExposureTime: resp.Exposure.ExposureTime,
		Gain:         resp.Exposure.Gain,
		Iris:         resp.Exposure.Iris,
		FocusMode:    FocusMode(resp.Focus.AutoFocusMode),
	}, nil
}

// SetImagingSettings writes exposure and focus settings. Manual exposure
// values are only sent in MANUAL mode.
func (t *ONVIFTransport) SetImagingSettings(ctx context.Context, s ImagingSettings) error {
	if t.imagingURL == "" {
		return ErrUnsupported
	}

	exposure := fmt.Sprintf(`<tt:Mode>%s</tt:Mode>`, s.ExposureMode)
	if s.ExposureMode == ExposureManual {
		exposure += fmt.Sprintf(`<tt:ExposureTime>%s</tt:ExposureTime><tt:Gain>%s</tt:Gain><tt:Iris>%s</tt:Iris>`,
			formatFloat(s.ExposureTime), formatFloat(s.Gain), formatFloat(s.Iris))
	}

	var focus string
	if s.FocusMode != "" {
		focus = fmt.Sprintf(`<tt:Focus><tt:AutoFocusMode>%s</tt:AutoFocusMode></tt:Focus>`, s.FocusMode)
	}

	body := fmt.Sprintf(`<timg:SetImagingSettings><timg:VideoSourceToken>%s</timg:VideoSourceToken><timg:ImagingSettings><tt:Exposure>%s</tt:Exposure>%s</timg:ImagingSettings><timg:ForcePersistence>false</timg:ForcePersistence></timg:SetImagingSettings>`,
		xmlEscape(t.videoSourceToken), exposure, focus)
	return t.call(ctx, t.imagingURL, body, nil)
}

// FocusMove starts a continuous focus move; negative speed focuses near.
func (t *ONVIFTransport) FocusMove(ctx context.Context, speed float64) error {
	if t.imagingURL == "" {
		return ErrUnsupported
	}
	body := fmt.Sprintf(`<timg:Move><timg:VideoSourceToken>%s</timg:VideoSourceToken><timg:Focus><tt:Continuous><tt:Speed>%s</tt:Speed></tt:Continuous></timg:Focus></timg:Move>`,
		xmlEscape(t.videoSourceToken), formatFloat(speed))
	return t.call(ctx, t.imagingURL, body, nil)
}

// FocusStop halts a focus move.
func (t *ONVIFTransport) FocusStop(ctx context.Context) error {
	if t.imagingURL == "" {
		return ErrUnsupported
	}
	body := fmt.Sprintf(`<timg:Stop><timg:VideoSourceToken>%s</timg:VideoSourceToken></timg:Stop>`,
		xmlEscape(t.videoSourceToken))
	return t.call(ctx, t.imagingURL, body, nil)
}
