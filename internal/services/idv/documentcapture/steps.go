package documentcapture

import (
	"github.com/louisbranch/idproof/internal/platform/i18n/catalog"
	"github.com/louisbranch/idproof/internal/services/idv/formsteps"
)

// Step names.
const (
	StepIntro     = "intro"
	StepDocuments = "documents"
	StepSelfie    = "selfie"
	StepReview    = "review"
)

// Image field names.
const (
	FieldFront  = "front"
	FieldBack   = "back"
	FieldSelfie = "selfie"
)

// DesktopDocumentDisclosure is the footer shown under document steps.
const DesktopDocumentDisclosure = formsteps.Footer("desktop_document_disclosure")

// Capabilities select the steps a flow includes.
type Capabilities struct {
	IsMobile         bool
	LivenessRequired bool
}

// imageFields returns the image fields collected under caps.
func (c Capabilities) imageFields() []string {
	fields := []string{FieldFront, FieldBack}
	if c.LivenessRequired {
		fields = append(fields, FieldSelfie)
	}
	return fields
}

// requiredFields mounts and attaches each field as required.
type requiredFields []string

func (r requiredFields) Mount(reg formsteps.Registrar) {
	for _, name := range r {
		reg.RegisterField(name, formsteps.FieldOptions{Required: true}).Attach()
	}
}

// Steps returns the collection steps for caps: intro on mobile, documents,
// and selfie when liveness is required.
func Steps(caps Capabilities, locale string) []formsteps.Step {
	var steps []formsteps.Step
	if caps.IsMobile {
		steps = append(steps, formsteps.Step{
			Name:  StepIntro,
			Title: localize(locale, "doc_auth.headings.document_capture"),
			Form:  requiredFields(nil),
		})
	}
	steps = append(steps, formsteps.Step{
		Name:   StepDocuments,
		Title:  localize(locale, "doc_auth.headings.document_capture"),
		Form:   requiredFields{FieldFront, FieldBack},
		Footer: DesktopDocumentDisclosure,
	})
	if caps.LivenessRequired {
		steps = append(steps, formsteps.Step{
			Name:  StepSelfie,
			Title: localize(locale, "doc_auth.headings.selfie"),
			Form:  requiredFields{FieldSelfie},
		})
	}
	return steps
}

// ReviewSteps returns the single step shown after a failed submission.
func ReviewSteps(caps Capabilities, locale string) []formsteps.Step {
	return []formsteps.Step{{
		Name:   StepReview,
		Title:  localize(locale, "doc_auth.headings.review_issues"),
		Form:   requiredFields(caps.imageFields()),
		Footer: DesktopDocumentDisclosure,
	}}
}

func localize(locale, key string) string {
	return catalog.Default().Printer(locale).Sprintf(key)
}
