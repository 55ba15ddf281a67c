package trigger

import (
	"errors"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/pattern"
	"github.com/gyaneshwarpardhi/triggerflow/internal/template"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report authoring field names (yaml tags) rather than Go field names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// structErrors runs tag-based validation and appends translated errors.
func structErrors(def *config.TriggerDef, verr *ValidationError) {
	err := structValidator().Struct(def)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		verr.add("", err.Error())
		return
	}
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		// Nested automations without an id get one derived when they are created.
		if fe.Tag() == "required" && strings.HasSuffix(field, ".automation.id") {
			continue
		}
		verr.add(field, reasonFor(fe))
	}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required for this action type"
	case "min":
		if fe.Param() == "0" {
			return "must not be negative"
		}
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// checkDef performs the semantic checks tags cannot express. prefix
// addresses nested definitions (create-automation).
func checkDef(prefix string, def *config.TriggerDef, verr *ValidationError) {
	if def.Posture == string(Proactive) && def.Within <= 0 {
		verr.add(prefix+"within", "must be greater than 0 for Proactive triggers")
	}

	checkPatterns(prefix+"match", def.Match, false, verr)
	checkPatterns(prefix+"match_related", def.MatchRelated, true, verr)

	seen := make(map[string]bool, len(def.ForEach))
	for i, k := range def.ForEach {
		if k != "" && seen[k] {
			verr.addf(prefix+"for_each", "duplicate key %q at index %d", k, i)
		}
		seen[k] = true
	}

	for i, a := range def.Actions {
		field := prefix + "actions[" + strconv.Itoa(i) + "]"
		switch ActionKind(a.Type) {
		case KindRunDeployment:
			if err := template.CheckAll(a.Parameters); err != nil {
				verr.add(field+".parameters", err.Error())
			}
		case KindNotify:
			if err := template.Check(a.Subject); err != nil {
				verr.add(field+".subject", err.Error())
			}
			if err := template.Check(a.Body); err != nil {
				verr.add(field+".body", err.Error())
			}
		case KindCreateAutomation:
			if a.Automation != nil {
				checkDef(field+".automation.", a.Automation, verr)
			}
		}
	}
}

func checkPatterns(field string, m map[string]config.PatternList, related bool, verr *ValidationError) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f := field + "." + k
		if k == "" {
			verr.add(field, "attribute name must not be empty")
			continue
		}
		if related && !relatedAddressable(k) {
			verr.add(f, "related resources can only be matched by resource id")
			continue
		}
		if len(m[k]) == 0 {
			verr.add(f, "must contain at least one pattern")
			continue
		}
		for _, raw := range m[k] {
			if _, err := pattern.Compile(raw); err != nil {
				verr.add(f, err.Error())
			}
		}
	}
}
