package budget

// charsPerToken is the fixed character-to-token ratio. Assembled contexts must agree on it, so it
// is not calibrated.
const charsPerToken = 4

// Estimate returns ceil(len(text)/4), counting bytes.
func Estimate(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}
