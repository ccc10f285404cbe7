package driver

import (
	"context"
	"errors"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/markers"
)

var errCheckboxNotFound = errors.New("turnstile checkbox not reachable through shadow dom")

// findTurnstileCheckbox pierces the Turnstile widget's shadow DOM to
// reach the verification checkbox. Rod resolves shadow roots over CDP
// with DOM.describeNode, which also reaches closed roots. The checkbox
// usually sits in an iframe nested inside the shadow root; a checkbox
// directly under the root is handled too.
func findTurnstileCheckbox(ctx context.Context, page *rod.Page) (*rod.Element, error) {
	for _, hostSelector := range markers.TurnstileHostSelectors {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		has, _, err := page.Has(hostSelector)
		if err != nil || !has {
			continue
		}
		host, err := page.Element(hostSelector)
		if err != nil {
			continue
		}

		checkbox, err := checkboxUnderHost(host)
		_ = host.Release()
		if err == nil {
			log.Debug().Str("host", hostSelector).Msg("Found Turnstile checkbox behind shadow root")
			return checkbox, nil
		}
	}
	return nil, errCheckboxNotFound
}

func checkboxUnderHost(host *rod.Element) (*rod.Element, error) {
	shadow, err := host.ShadowRoot()
	if err != nil || shadow == nil {
		return nil, errCheckboxNotFound
	}

	if checkbox, err := shadow.Element("input[type='checkbox']"); err == nil {
		return checkbox, nil
	}

	iframe, err := shadow.Element("iframe")
	if err != nil {
		return nil, errCheckboxNotFound
	}
	defer func() { _ = iframe.Release() }()

	frame, err := iframe.Frame()
	if err != nil {
		return nil, errCheckboxNotFound
	}
	for _, selector := range markers.TurnstileWidgetSelectors {
		if checkbox, err := frame.Element(selector); err == nil {
			return checkbox, nil
		}
	}
	return nil, errCheckboxNotFound
}
