package script

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// SupportedVoices lists the engine voices a script may ask for.
var SupportedVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// Script is the behavioral configuration the engine session is opened with.
type Script struct {
	Instructions string  `json:"instructions"`
	Voice        string  `json:"voice"`
	Language     string  `json:"language"`
	Temperature  float64 `json:"temperature"`

	// TranscriptionPrompt biases caller transcription toward expected vocabulary.
	TranscriptionPrompt string `json:"transcription_prompt,omitempty"`

	// SpeakFirst makes the agent open the conversation without waiting for the caller.
	SpeakFirst bool `json:"speak_first,omitempty"`

	// Structure holds the remaining phone script fields (questions, sections,
	// closing lines). It is rendered into the instructions as JSON.
	Structure map[string]any `json:"structure,omitempty"`
}

// Defaults seeds scripts built from partial input.
type Defaults struct {
	Instructions        string
	Voice               string
	Language            string
	Temperature         float64
	TranscriptionPrompt string
}

// Default returns the script used when no phone script was supplied.
func Default(d Defaults) Script {
	return Script{
		Instructions:        d.Instructions,
		Voice:               ResolveVoice(d.Voice, d.Language),
		Language:            d.Language,
		Temperature:         d.Temperature,
		TranscriptionPrompt: d.TranscriptionPrompt,
	}
}

// FromPhoneScript builds a script from a phone_script_json object. The
// known keys override the defaults; everything else becomes Structure.
func FromPhoneScript(raw map[string]any, d Defaults) (Script, error) {
	s := Default(d)
	if len(raw) == 0 {
		return s, nil
	}

	structure := make(map[string]any, len(raw))
	for k, v := range raw {
		switch k {
		case "instructions":
			str, ok := v.(string)
			if !ok {
				return Script{}, fmt.Errorf("phone script instructions must be a string")
			}
			if strings.TrimSpace(str) != "" {
				s.Instructions = str
			}
		case "voice":
			str, ok := v.(string)
			if !ok {
				return Script{}, fmt.Errorf("phone script voice must be a string")
			}
			s.Voice = strings.ToLower(strings.TrimSpace(str))
		case "language":
			str, ok := v.(string)
			if !ok {
				return Script{}, fmt.Errorf("phone script language must be a string")
			}
			if strings.TrimSpace(str) != "" {
				s.Language = strings.TrimSpace(str)
			}
		case "temperature":
			f, ok := v.(float64)
			if !ok {
				return Script{}, fmt.Errorf("phone script temperature must be a number")
			}
			if f < 0 || f > 2 {
				return Script{}, fmt.Errorf("phone script temperature must be within [0, 2]")
			}
			s.Temperature = f
		case "transcription_prompt":
			if str, ok := v.(string); ok {
				s.TranscriptionPrompt = str
			}
		case "speak_first":
			if b, ok := v.(bool); ok {
				s.SpeakFirst = b
			}
		default:
			structure[k] = v
		}
	}
	if len(structure) > 0 {
		s.Structure = structure
	}
	s.Voice = ResolveVoice(s.Voice, s.Language)
	return s, nil
}

// RenderInstructions returns the instructions sent to the engine, with the
// interview structure appended as indented JSON when present.
func (s Script) RenderInstructions() string {
	if len(s.Structure) == 0 {
		return s.Instructions
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Structure); err != nil {
		return s.Instructions
	}
	return s.Instructions + "\n\nUse the interview structure below (JSON) to guide the conversation:\n\n" +
		strings.TrimRight(buf.String(), "\n")
}

// ResolveVoice returns requested when the engine supports it, otherwise a
// language based fallback.
func ResolveVoice(requested, language string) string {
	requested = strings.ToLower(strings.TrimSpace(requested))
	for _, v := range SupportedVoices {
		if v == requested {
			return v
		}
	}
	if strings.HasPrefix(strings.ToLower(language), "fi") {
		return "coral"
	}
	return "alloy"
}

// TranscriptionLanguage maps a script language such as "fi-FI" to the
// ISO-639-1 code the transcription model expects.
func (s Script) TranscriptionLanguage() string {
	lang := strings.ToLower(strings.TrimSpace(s.Language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
