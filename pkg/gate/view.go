package gate

import (
	"context"
	"io"

	"github.com/a-h/templ"

	"github.com/dmitrymomot/quotakit/pkg/entitlement"
)

// Params is passed to the overlay and modal views.
type Params struct {
	Feature     entitlement.Feature
	Description string
	Decision    entitlement.Decision
	// Children is the protected content. Overlays may render it blurred.
	Children templ.Component
}

// Views renders the gate's non-children views.
type Views struct {
	LockOverlay     func(Params) templ.Component
	UpgradeModal    func(Params) templ.Component
	TrialOfferModal func(Params) templ.Component
}

// DefaultViews returns plain HTML views with data-action hooks for
// "upgrade" and "accept-trial" buttons.
func DefaultViews() Views {
	return Views{
		LockOverlay:     lockOverlay,
		UpgradeModal:    upgradeModal,
		TrialOfferModal: trialOfferModal,
	}
}

// Component renders the gate around children. The view is chosen at render
// time, so one component can be re-rendered after every transition.
func (g *Gate) Component(children templ.Component) templ.Component {
	if children == nil {
		children = templ.NopComponent
	}
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		g.mu.Lock()
		view := g.view()
		p := Params{
			Feature:     g.feature,
			Description: g.description,
			Decision:    g.decision,
			Children:    children,
		}
		g.mu.Unlock()

		switch view {
		case ViewChildren:
			return children.Render(ctx, w)
		case ViewTrialOfferModal:
			p.Decision = entitlement.DeniedShowTrialOffer
			return g.views.TrialOfferModal(p).Render(ctx, w)
		case ViewUpgradeModal:
			p.Decision = entitlement.DeniedShowUpgrade
			return g.views.UpgradeModal(p).Render(ctx, w)
		default:
			p.Decision = entitlement.DeniedShowUpgrade
			return g.views.LockOverlay(p).Render(ctx, w)
		}
	})
}

func lockOverlay(p Params) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := open(w, p, "locked"); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<div class="quotakit-blur" aria-hidden="true" inert>`); err != nil {
			return err
		}
		if err := p.Children.Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `</div><div class="quotakit-overlay">`); err != nil {
			return err
		}
		if err := describe(w, p); err != nil {
			return err
		}
		_, err := io.WriteString(w, `<button type="button" data-action="upgrade">Upgrade to Pro</button></div></div>`)
		return err
	})
}

func upgradeModal(p Params) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := open(w, p, "upgrade"); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<div class="quotakit-modal" role="dialog" aria-modal="true"><h2>Upgrade to Pro</h2>`); err != nil {
			return err
		}
		if err := describe(w, p); err != nil {
			return err
		}
		_, err := io.WriteString(w, `<p>You have used today's free credits. Pro unlocks this feature without limits.</p>`+
			`<button type="button" data-action="upgrade">See plans</button></div></div>`)
		return err
	})
}

func trialOfferModal(p Params) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if err := open(w, p, "trial"); err != nil {
			return err
		}
		if _, err := io.WriteString(w, `<div class="quotakit-modal" role="dialog" aria-modal="true"><h2>Try it free</h2>`); err != nil {
			return err
		}
		if err := describe(w, p); err != nil {
			return err
		}
		_, err := io.WriteString(w, `<button type="button" data-action="accept-trial">Use a trial session</button>`+
			`<button type="button" data-action="upgrade">Upgrade to Pro</button></div></div>`)
		return err
	})
}

func open(w io.Writer, p Params, kind string) error {
	_, err := io.WriteString(w, `<div class="quotakit-gate quotakit-`+kind+`" data-feature="`+
		templ.EscapeString(string(p.Feature))+`" data-decision="`+
		templ.EscapeString(p.Decision.String())+`">`)
	return err
}

func describe(w io.Writer, p Params) error {
	if p.Description == "" {
		return nil
	}
	_, err := io.WriteString(w, `<p class="quotakit-description">`+templ.EscapeString(p.Description)+`</p>`)
	return err
}
