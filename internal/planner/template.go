package planner

// defaultTemplate is the built-in planner prompt template used when Options
// omits TemplatePath. {{DOCTRINE}} and {{REPO_HINTS}} are nulled by
// renderTemplate when present; {{PRODUCT_SPEC}} is required.
const defaultTemplate = `You are the planning stage of an LLM code-generation harness.

Decompose the following product specification into a JSON manifest of work
orders. Each work order is a contract for one atomic change: it declares the
files it may write (allowed_files), the commands that must pass for it to be
accepted (acceptance_commands), and the file-existence preconditions and
postconditions that place it in the correct order relative to the other work
orders.

{{DOCTRINE}}
{{REPO_HINTS}}

Return ONLY a JSON object of the shape:

  {
    "system_overview": ["..."],
    "verify_contract": {"command": "...", "requires": [{"kind": "file_exists", "path": "..."}]},
    "work_orders": [
      {
        "id": "WO-01",
        "title": "...",
        "intent": "...",
        "allowed_files": ["..."],
        "acceptance_commands": ["..."],
        "context_files": ["..."],
        "preconditions": [{"kind": "file_exists", "path": "..."}],
        "postconditions": [{"kind": "file_exists", "path": "..."}],
        "verify_exempt": false
      }
    ]
  }

Product specification:
{{PRODUCT_SPEC}}
`
