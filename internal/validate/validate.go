// Package validate implements the optional data-validation stage that runs
// between detail collection and persistence: structural checks over a
// parsed ProductDetail before it is allowed to reach the database.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattercrawl/engine/internal/crawlerr"
	"github.com/mattercrawl/engine/internal/domain"
)

// acceptedDateLayouts covers the formats the source has published
// certification dates in.
var acceptedDateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

// Detail checks one parsed ProductDetail. A failure is a SchemaViolation
// carrying every broken field, so one round trip surfaces all of them.
func Detail(d domain.ProductDetail) error {
	var problems []string

	if strings.TrimSpace(d.URL) == "" {
		problems = append(problems, "url is empty")
	}
	if d.VID != nil && (*d.VID < 0 || *d.VID > 0xFFFF) {
		problems = append(problems, fmt.Sprintf("vid %d outside uint16 range", *d.VID))
	}
	if d.PID != nil && (*d.PID < 0 || *d.PID > 0xFFFF) {
		problems = append(problems, fmt.Sprintf("pid %d outside uint16 range", *d.PID))
	}
	if d.CertificationDate != nil && !dateParses(*d.CertificationDate) {
		problems = append(problems, fmt.Sprintf("certification_date %q not parseable", *d.CertificationDate))
	}
	if d.ApplicationCategories != nil {
		var cats []string
		if err := json.Unmarshal([]byte(*d.ApplicationCategories), &cats); err != nil {
			problems = append(problems, "application_categories is not a JSON string array")
		}
	}
	if strings.TrimSpace(d.ProgramType) == "" {
		problems = append(problems, "program_type is empty")
	}

	if len(problems) > 0 {
		return crawlerr.New("validate.Detail", crawlerr.KindSchemaViolation,
			fmt.Errorf("%s: %s", d.URL, strings.Join(problems, "; ")))
	}
	return nil
}

func dateParses(s string) bool {
	for _, layout := range acceptedDateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
