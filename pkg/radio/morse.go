package radio

import "time"

// morseTable holds dits and dahs per character
var morseTable = map[rune]string{
	'A': ".-", 'B': "-...", 'C': "-.-.", 'D': "-..", 'E': ".", 'F': "..-.",
	'G': "--.", 'H': "....", 'I': "..", 'J': ".---", 'K': "-.-", 'L': ".-..",
	'M': "--", 'N': "-.", 'O': "---", 'P': ".--.", 'Q': "--.-", 'R': ".-.",
	'S': "...", 'T': "-", 'U': "..-", 'V': "...-", 'W': ".--", 'X': "-..-",
	'Y': "-.--", 'Z': "--..",

	'0': "-----", '1': ".----", '2': "..---", '3': "...--", '4': "....-",
	'5': ".....", '6': "-....", '7': "--...", '8': "---..", '9': "----.",

	'.': ".-.-.-", ',': "--..--", '?': "..--..", '/': "-..-.", '=': "-...-",
	'+': ".-.-.", '-': "-....-", '@': ".--.-.", '\'': ".----.", '(': "-.--.",
	')': "-.--.-", ':': "---...",
}

// element is one key-down or key-up period measured in dit units
type element struct {
	on    bool
	units int
}

// morseElements expands text into alternating key periods. A dit is one
// unit and a dah three; elements are separated by one unit, characters by
// three and words by seven. Unknown characters are skipped.
func morseElements(text string) []element {
	var out []element
	gap := func(units int) {
		if len(out) == 0 {
			return
		}
		last := &out[len(out)-1]
		if !last.on {
			if units > last.units {
				last.units = units
			}
			return
		}
		out = append(out, element{on: false, units: units})
	}

	for _, r := range text {
		if r == ' ' {
			gap(7)
			continue
		}
		code, ok := morseTable[r]
		if !ok {
			continue
		}
		gap(3)
		for i, sym := range code {
			if i > 0 {
				gap(1)
			}
			units := 1
			if sym == '-' {
				units = 3
			}
			out = append(out, element{on: true, units: units})
		}
	}

	// no trailing key-up
	if len(out) > 0 && !out[len(out)-1].on {
		out = out[:len(out)-1]
	}
	return out
}

// ditLength is the duration of one unit at wpm
func ditLength(wpm int) time.Duration {
	if wpm <= 0 {
		wpm = 20
	}
	return time.Duration(1200/wpm) * time.Millisecond
}
