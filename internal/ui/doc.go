// Package ui renders query output for the kasa-query CLI.
//
// Output follows a "run once and exit" pattern: a Header naming the device
// and transport, then one block per method with the pretty-printed result
// or the per-call error. Whole-query failures render in an error box with
// troubleshooting hints keyed on the kasaerr category.
//
// Example:
//
//	fmt.Println(ui.NewHeader("desk lamp",
//	    ui.Param{Key: "Transport", Value: "KlapTransportV2"},
//	    ui.Param{Key: "Address", Value: "192.168.1.40:80"},
//	).Render())
//	fmt.Println(ui.RenderCalls(calls))
//
// # Progress
//
// While several devices are queried on a terminal, a Tracker runs a Bubble
// Tea program showing a progress bar and one step per device. Steps move
// from pending to running to complete or failed, and the program exits
// after the last one so the results print below it.
//
// # Logging Integration
//
// zap logging stays silent unless KASALINK_LOG_LEVEL is set, so the styled
// output is not interleaved with log lines.
package ui
