// Package prompts contains the prompt templates Steward sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, are embedded at compile
// time, and are validated by tests. Phrase lists used to *read* model
// output live in the phrasebook package instead, because operators tune
// those per model and language.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
