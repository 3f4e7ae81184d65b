// Package lang holds the supported campaign languages and the fixed phrases
// spoken when no generated text is available.
package lang

import "strings"

// Tag identifies a campaign language.
type Tag string

const (
	English Tag = "English"
	Spanish Tag = "Spanish"
	French  Tag = "French"
	German  Tag = "German"
	Hindi   Tag = "Hindi"
)

// Default is used for empty or unrecognised language strings.
const Default = English

// Phrases is the localized static text for one language.
type Phrases struct {
	Code     string // ISO 639-1 code for STT/TTS
	Apology  string
	Repeat   string
	Confirm  string // fmt format, %s is the caller's words
	Closing  string
	Greeting string
}

var table = map[Tag]Phrases{
	English: {
		Code:     "en",
		Apology:  "I'm sorry, I'm having trouble right now. We'll call you back later. Goodbye.",
		Repeat:   "Sorry, I didn't catch that. Could you please repeat?",
		Confirm:  "Just to confirm, you said “%s”. Could you tell me a little more?",
		Closing:  "I'm having trouble hearing you, so I'll end the call here. Thank you for your time. Goodbye.",
		Greeting: "Hello! Thanks for taking my call. Do you have a minute to talk?",
	},
	Spanish: {
		Code:     "es",
		Apology:  "Lo siento, estoy teniendo problemas en este momento. Le llamaremos más tarde. Adiós.",
		Repeat:   "Perdón, no le entendí. ¿Podría repetirlo, por favor?",
		Confirm:  "Solo para confirmar, usted dijo «%s». ¿Podría contarme un poco más?",
		Closing:  "No logro escucharle bien, así que terminaré la llamada. Gracias por su tiempo. Adiós.",
		Greeting: "¡Hola! Gracias por atender mi llamada. ¿Tiene un minuto para hablar?",
	},
	French: {
		Code:     "fr",
		Apology:  "Je suis désolé, je rencontre un problème. Nous vous rappellerons plus tard. Au revoir.",
		Repeat:   "Pardon, je n'ai pas compris. Pourriez-vous répéter, s'il vous plaît ?",
		Confirm:  "Pour confirmer, vous avez dit « %s ». Pourriez-vous m'en dire un peu plus ?",
		Closing:  "Je vous entends mal, je vais donc terminer l'appel. Merci pour votre temps. Au revoir.",
		Greeting: "Bonjour ! Merci de prendre mon appel. Avez-vous une minute pour parler ?",
	},
	German: {
		Code:     "de",
		Apology:  "Entschuldigung, ich habe gerade technische Probleme. Wir rufen Sie später zurück. Auf Wiederhören.",
		Repeat:   "Entschuldigung, das habe ich nicht verstanden. Könnten Sie das bitte wiederholen?",
		Confirm:  "Nur zur Bestätigung, Sie sagten „%s“. Könnten Sie mir etwas mehr erzählen?",
		Closing:  "Ich kann Sie leider nicht gut hören und beende daher den Anruf. Danke für Ihre Zeit. Auf Wiederhören.",
		Greeting: "Hallo! Danke, dass Sie meinen Anruf annehmen. Haben Sie eine Minute Zeit?",
	},
	Hindi: {
		Code:     "hi",
		Apology:  "माफ़ कीजिए, अभी कुछ तकनीकी समस्या है। हम आपको बाद में कॉल करेंगे। धन्यवाद।",
		Repeat:   "माफ़ कीजिए, मैं समझ नहीं पाया। क्या आप दोबारा बता सकते हैं?",
		Confirm:  "पुष्टि के लिए, आपने कहा “%s”। क्या आप थोड़ा और बता सकते हैं?",
		Closing:  "मुझे आपकी आवाज़ ठीक से सुनाई नहीं दे रही है, इसलिए मैं कॉल समाप्त कर रहा हूँ। आपके समय के लिए धन्यवाद।",
		Greeting: "नमस्ते! मेरी कॉल उठाने के लिए धन्यवाद। क्या आपके पास बात करने के लिए एक मिनट है?",
	},
}

var aliases = map[string]Tag{
	"english": English, "en": English, "en-us": English, "en-gb": English,
	"spanish": Spanish, "es": Spanish, "es-es": Spanish, "es-mx": Spanish, "español": Spanish,
	"french": French, "fr": French, "fr-fr": French, "français": French,
	"german": German, "de": German, "de-de": German, "deutsch": German,
	"hindi": Hindi, "hi": Hindi, "hi-in": Hindi,
}

// Parse maps a language name or code to a Tag. Unknown input yields Default.
func Parse(s string) Tag {
	return ParseOr(s, Default)
}

// ParseOr is Parse with an explicit fallback tag.
func ParseOr(s string, fallback Tag) Tag {
	if t, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	if _, ok := table[fallback]; !ok {
		return Default
	}
	return fallback
}

// Strings returns the phrases for tag, falling back to Default.
func Strings(tag Tag) Phrases {
	if p, ok := table[tag]; ok {
		return p
	}
	return table[Default]
}

// Code returns the ISO code for tag.
func (t Tag) Code() string {
	return Strings(t).Code
}

func (t Tag) String() string {
	return string(t)
}

// Supported lists every tag with a phrase table.
func Supported() []Tag {
	return []Tag{English, Spanish, French, German, Hindi}
}
