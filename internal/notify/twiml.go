package notify

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// TwiML builders for voice/SMS webhook responses and outbound call scripts.

// SMSReply wraps a message in a TwiML <Message> response.
func SMSReply(message string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Message>%s</Message>
</Response>`, escapeXML(message))
}

// VoiceSay wraps a message in a TwiML <Say> response, ending the call.
func VoiceSay(message string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Say voice="alice">%s</Say>
</Response>`, escapeXML(message))
}

// VoiceGather speaks a message and gathers 4 digits, posting them to action.
// With an empty action Twilio posts back to the URL that served the TwiML.
func VoiceGather(message, action string) string {
	attr := ""
	if action != "" {
		attr = fmt.Sprintf(` action="%s"`, escapeXML(action))
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Gather numDigits="4" method="POST"%s>
    <Say voice="alice">%s</Say>
  </Gather>
  <Say voice="alice">No input received. Goodbye.</Say>
</Response>`, attr, escapeXML(message))
}

// VoiceTwiML builds the outbound alarm call: speak the script, then gather
// the 4-digit code and post it to gatherURL.
func VoiceTwiML(script, gatherURL string) string {
	return fmt.Sprintf(`<Response>
  <Say voice="alice">%s</Say>
  <Gather numDigits="4" action="%s" method="POST">
    <Say voice="alice">Enter your 4 digit code now.</Say>
  </Gather>
  <Say voice="alice">We did not receive any input. Goodbye.</Say>
</Response>`, escapeXML(script), escapeXML(gatherURL))
}

// AlarmSMSBody is the wake-up SMS: stake, code, and how to respond.
func AlarmSMSBody(code string, stakeCents int64) string {
	return fmt.Sprintf("WAKE UP! $%s at stake!\n\nYour code: %s\n\nReply with the code. 5 min to respond!",
		dollars(stakeCents), code)
}

// AlarmCallScript is the spoken wake-up message. Digits are spaced out so
// text-to-speech reads them one at a time.
func AlarmCallScript(code string, stakeCents int64) string {
	spaced := strings.Join(strings.Split(code, ""), " ")
	return fmt.Sprintf("Wake up! This is your alarm. You have %s dollars at stake. "+
		"Your verification code is %s. I repeat, your code is %s.",
		dollars(stakeCents), spaced, spaced)
}

// LoginCodeSMSBody carries a login verification code.
func LoginCodeSMSBody(code string) string {
	return fmt.Sprintf("Your verification code is: %s\n\nThis code expires in 10 minutes.", code)
}

func dollars(cents int64) string {
	if cents%100 == 0 {
		return fmt.Sprintf("%d", cents/100)
	}
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func escapeXML(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
