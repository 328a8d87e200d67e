// Package deviceerr defines the error taxonomy shared by every layer that
// talks to a speaker.
//
// All failures surface as *DeviceError. Besides the category, each error
// records whether request bytes reached the socket (Sent) and what that means
// for the command (Outcome):
//
//   - OutcomeNotApplied: nothing was sent, or the device rejected it
//   - OutcomeUnknown: the request went out but no confirmation came back
//   - OutcomeApplied: returned by OutcomeOf for a nil error
//
// Callers use the Is* helpers, which unwrap with errors.As, rather than
// comparing Type fields directly:
//
//	if err := spk.SetVolume(ctx, 0.4); err != nil {
//	    if deviceerr.IsTimeout(err) && deviceerr.OutcomeOf(err) == deviceerr.OutcomeUnknown {
//	        // re-read before retrying
//	    }
//	    fmt.Println(deviceerr.ShortMessage(err))
//	}
package deviceerr
