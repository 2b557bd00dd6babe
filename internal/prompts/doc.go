// Package prompts holds the text Vektra sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf, embedded at compile
// time, and checked by tests. Each prompt is an exported function taking
// the dynamic parts and returning the finished string.
package prompts
