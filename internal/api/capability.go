// Capability document rendering (spec §4.1, §6.3): served identically at
// the three well-known aliases and embedded verbatim in "agent/describe".
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

var skillCatalog = []task.Kind{task.KindPrompt, task.KindCodeReview, task.KindTranslation}

func skillName(k task.Kind) string {
	switch k {
	case task.KindPrompt:
		return "General prompt execution"
	case task.KindCodeReview:
		return "Code review"
	case task.KindTranslation:
		return "Translation"
	default:
		return string(k)
	}
}

// capabilityDocument builds the JSON object described by spec §6.3.
func (s *Server) capabilityDocument() map[string]interface{} {
	skills := make([]map[string]interface{}, 0, len(skillCatalog))
	for _, k := range skillCatalog {
		skill := map[string]interface{}{
			"id":   string(k),
			"name": skillName(k),
			"pricing": map[string]interface{}{
				"amount":   s.cfg.PricePerTask,
				"currency": "USDC",
				"unit":     "per-task",
			},
			"sla": map[string]interface{}{
				"maxTimeoutSeconds": task.MaxTimeout,
			},
		}
		skills = append(skills, skill)
	}

	doc := map[string]interface{}{
		"name":            "agoramesh-bridge",
		"description":     "Single-tenant agent bridge exposing one locally-operated executor to the agoramesh marketplace.",
		"version":         "1.0.0",
		"protocolVersion": "a2a/1.0",
		"skills":          skills,
		"capabilities": map[string]interface{}{
			"streaming":       true,
			"pushNotification": false,
		},
		"authentication": map[string]interface{}{
			"schemes": []string{"bearer", "did-signature", "free-tier"},
		},
		"metadata": map[string]interface{}{
			"updatedAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	if s.cfg.Escrow != nil {
		doc["provider"] = map[string]interface{}{
			"did": s.cfg.Escrow.ProviderDID,
		}
	}

	if s.cfg.Payment.Enabled {
		doc["payment"] = map[string]interface{}{
			"usdcAddress":           s.cfg.Payment.USDCAddress,
			"payTo":                 s.cfg.Payment.PayTo,
			"validityPeriodSeconds": s.cfg.Payment.ValidityPeriodSeconds,
		}
	} else {
		// §6.3: "falls back to a derived defaultPricing from the single
		// base price when no explicit payment is configured".
		doc["payment"] = map[string]interface{}{
			"defaultPricing": map[string]interface{}{
				"amount":   s.cfg.PricePerTask,
				"currency": "USDC",
				"unit":     "per-task",
			},
		}
	}

	if s.cfg.Escrow != nil {
		doc["trust"] = map[string]interface{}{
			"escrowAddress": s.cfg.Escrow.Address,
		}
	}

	return doc
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.capabilityDocument())
}

// handleLLMsTxt serves a plain-text machine-readable summary (spec §6.1),
// intended for agent crawlers that prefer llms.txt over JSON.
func (s *Server) handleLLMsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "# agoramesh-bridge\n\n")
	fmt.Fprintf(w, "A single-tenant agent bridge. Capability card: /.well-known/agent.json\n\n")
	fmt.Fprintf(w, "## Skills\n")
	for _, k := range skillCatalog {
		fmt.Fprintf(w, "- %s: %s\n", k, skillName(k))
	}
	fmt.Fprintf(w, "\n## Endpoints\n")
	fmt.Fprintf(w, "- POST /task — submit a task (?wait=true for synchronous mode)\n")
	fmt.Fprintf(w, "- GET /task/{id} — poll status/result\n")
	fmt.Fprintf(w, "- DELETE /task/{id} — cancel\n")
	fmt.Fprintf(w, "- POST / or /a2a — JSON-RPC 2.0 (message/send, tasks/get, tasks/cancel, agent/describe, agent/status)\n")
	fmt.Fprintf(w, "- WebSocket at / — {type:\"task\",payload:{...}} frames\n")
}
