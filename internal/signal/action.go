package signal

import (
	"sort"
	"strings"
)

// standaloneActions pass through as the action type with no source.
var standaloneActions = []string{
	"single",
	"double",
	"triple",
	"quadruple",
	"hold",
	"release",
	"press",
	"long_press",
}

// compoundActions are multi-token action types that must not be split.
var compoundActions = []string{
	"hold_release",
	"long_press_release",
	"double_press",
	"brightness_move_up",
	"brightness_move_down",
	"brightness_step_up",
	"brightness_step_down",
	"brightness_stop",
	"color_temperature_move",
	"rotate_left",
	"rotate_right",
	"rotate_stop",
	"on_press",
	"off_press",
	"up_press",
	"down_press",
}

// Suffix candidates, longest first, so "button_1_long_press" resolves to
// "long_press" rather than "press".
var actionSuffixes = func() []string {
	all := append(append([]string{}, compoundActions...), standaloneActions...)
	sort.SliceStable(all, func(i, j int) bool { return len(all[i]) > len(all[j]) })
	return all
}()

var knownActions = func() map[string]bool {
	m := make(map[string]bool, len(actionSuffixes))
	for _, a := range actionSuffixes {
		m[a] = true
	}
	return m
}()

// DecomposeAction splits a button action string into the button that
// produced it and the action type.
//
//	"single"             -> ("", "single")
//	"hold_release"       -> ("", "hold_release")
//	"button_1_single"    -> ("button_1", "single")
//	"left_brightness_up" -> ("", "left_brightness_up")
func DecomposeAction(action string) (source, actionType string) {
	a := strings.ToLower(strings.TrimSpace(action))
	if a == "" || knownActions[a] {
		return "", a
	}
	for _, t := range actionSuffixes {
		if !strings.HasSuffix(a, "_"+t) {
			continue
		}
		if src := strings.TrimSuffix(a, "_"+t); src != "" {
			return src, t
		}
	}
	return "", a
}
