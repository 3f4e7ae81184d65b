package api

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/call"
)

// webhookPayload is the JSON form of a telephony callback. Form-encoded
// callbacks use the provider's field names instead (CallSid, RecordingUrl...).
type webhookPayload struct {
	CallSid      string  `json:"call_sid"`
	CampaignID   string  `json:"campaign_id"`
	Event        string  `json:"event"`
	CallStatus   string  `json:"call_status"`
	RecordingURL string  `json:"recording_url"`
	Transcript   string  `json:"transcript"`
	Duration     float64 `json:"duration"`
	CutOff       bool    `json:"cut_off"`
}

// Provider call statuses that map onto lifecycle events when no explicit
// event is given. Any other status is a progress callback.
var callStatusEvents = map[string]call.EventType{
	"ringing":     call.EventRinging,
	"in-progress": call.EventAnswered,
	"answered":    call.EventAnswered,
	"completed":   call.EventCompleted,
	"failed":      call.EventFailed,
	"busy":        call.EventFailed,
	"no-answer":   call.EventFailed,
	"canceled":    call.EventFailed,
}

func (s *Server) voiceWebhook(w http.ResponseWriter, r *http.Request) {
	ev, err := parseEvent(w, r)
	if err != nil {
		s.logger.Warn("malformed voice webhook", "error", err)
		// An empty event is rejected by the machine with a spoken apology.
		ev = call.Event{}
	}
	inst := s.deps.Calls.Handle(r.Context(), ev)
	s.writeTwiML(w, inst, ev)
}

func parseEvent(w http.ResponseWriter, r *http.Request) (call.Event, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var p webhookPayload
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			return call.Event{}, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return call.Event{}, err
		}
		p = webhookPayload{
			CallSid:      r.PostForm.Get("CallSid"),
			CampaignID:   r.PostForm.Get("CampaignId"),
			Event:        r.PostForm.Get("Event"),
			CallStatus:   r.PostForm.Get("CallStatus"),
			RecordingURL: r.PostForm.Get("RecordingUrl"),
			Transcript:   firstNonEmpty(r.PostForm.Get("SpeechResult"), r.PostForm.Get("TranscriptionText")),
		}
		if d := r.PostForm.Get("RecordingDuration"); d != "" {
			v, err := strconv.ParseFloat(d, 64)
			if err != nil {
				return call.Event{}, errors.New("invalid RecordingDuration " + strconv.Quote(d))
			}
			p.Duration = v
		}
		p.CutOff, _ = strconv.ParseBool(r.PostForm.Get("CutOff"))
	}

	// The listen action URL carries the campaign and event in its query.
	q := r.URL.Query()
	p.CampaignID = firstNonEmpty(p.CampaignID, q.Get("campaign_id"))
	p.Event = firstNonEmpty(p.Event, q.Get("event"))

	ev := call.Event{
		CallID:       strings.TrimSpace(p.CallSid),
		CampaignID:   strings.TrimSpace(p.CampaignID),
		Type:         eventType(p),
		RecordingURL: p.RecordingURL,
		Transcript:   p.Transcript,
		Duration:     p.Duration,
		CutOff:       p.CutOff,
		Timestamp:    time.Now().UTC(),
	}
	return ev, ev.Validate()
}

func eventType(p webhookPayload) call.EventType {
	if p.Event != "" {
		return call.EventType(strings.ToLower(p.Event))
	}
	if p.RecordingURL != "" || p.Transcript != "" {
		return call.EventUserSpoke
	}
	status := strings.ToLower(strings.TrimSpace(p.CallStatus))
	if t, ok := callStatusEvents[status]; ok {
		return t
	}
	if status != "" {
		return call.EventStatus
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     *twimlSay    `xml:"Say,omitempty"`
	Play    string       `xml:"Play,omitempty"`
	Record  *twimlRecord `xml:"Record,omitempty"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Text     string `xml:",chardata"`
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
}

type twimlRecord struct {
	Action    string `xml:"action,attr"`
	Method    string `xml:"method,attr"`
	Timeout   int    `xml:"timeout,attr"`
	MaxLength int    `xml:"maxLength,attr"`
	PlayBeep  bool   `xml:"playBeep,attr"`
}

func renderTwiML(inst call.Instruction, ev call.Event, defaultVoice string) twimlResponse {
	var resp twimlResponse
	switch {
	case inst.Audio.URL != "":
		resp.Play = inst.Audio.URL
	case inst.Say != "":
		say := &twimlSay{Text: inst.Say, Voice: inst.Audio.Voice, Language: inst.Language}
		if say.Voice == "" {
			say.Voice = defaultVoice
		}
		resp.Say = say
	}

	switch inst.Action {
	case call.ActionPlayListen:
		next := url.Values{}
		next.Set("event", string(call.EventUserSpoke))
		if ev.CampaignID != "" {
			next.Set("campaign_id", ev.CampaignID)
		}
		resp.Record = &twimlRecord{
			Action:    "/webhooks/voice?" + next.Encode(),
			Method:    http.MethodPost,
			Timeout:   recordTimeout(inst.Timeout),
			MaxLength: inst.MaxLength,
		}
	case call.ActionHangup:
		resp.Hangup = &struct{}{}
	}
	return resp
}

// recordTimeout rounds a listen window up to the whole seconds <Record> accepts.
func recordTimeout(seconds float64) int {
	return max(1, int(math.Ceil(seconds)))
}

func (s *Server) writeTwiML(w http.ResponseWriter, inst call.Instruction, ev call.Event) {
	body, err := xml.Marshal(renderTwiML(inst, ev, s.deps.Voice))
	if err != nil {
		s.logger.Error("failed to render TwiML", "call_id", ev.CallID, "error", err)
		body = []byte("<Response><Hangup></Hangup></Response>")
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("failed to write TwiML", "call_id", ev.CallID, "error", err)
	}
}
