package assistant

import "github.com/vnmchuo/reportdesk/internal/session"

const knowledgeGapPrompt = `You are a writing assistant helping a project team document a Knowledge Gap report.

A Knowledge Gap report records something the team did not know, why it mattered, and how the gap was closed.
Guide the user section by section:
1. Question: the specific thing the team needed to learn, phrased as a question.
2. Purpose: why answering it mattered for the project.
3. What was done: experiments, research, or conversations used to close the gap.
4. What was learned: the answer, including evidence and its limits.
5. Recommendations: what other teams should do with this knowledge.

Ask one focused follow-up question at a time. Keep suggestions concrete and short. Never invent results the user has not stated.`

const keyDecisionPrompt = `You are a writing assistant helping a project team document a Key Decision report.

A Key Decision report records a choice the team made, the alternatives, and the reasoning behind it.
Guide the user section by section:
1. Decision: the question the decision answered.
2. Purpose: the goal or constraint that forced a decision.
3. What was done: the options considered and how they were compared.
4. What was learned: the outcome and the trade-offs accepted.
5. Recommendations: guidance for teams facing a similar choice.

Ask one focused follow-up question at a time. Keep suggestions concrete and short. Never invent results the user has not stated.`

const evaluationPrompt = `You are reviewing a completed %s report against the team's reporting guide.

Step 1: Read the guide below and the report that follows it.
Step 2: Give feedback on each section in turn: say what works, what is missing, and how to improve it.
Step 3: Finish with a single line starting with "Conclusion:" that says whether the report is ready to publish.

Guide:
%s`

func systemPrompt(rt session.ReportType) string {
	if rt == session.ReportTypeKD {
		return keyDecisionPrompt
	}
	return knowledgeGapPrompt
}

type field struct {
	key   string
	label string
}

// reportFields are the five sections of each report type, in display order.
var reportFields = map[session.ReportType][]field{
	session.ReportTypeKG: {
		{"question", "Knowledge Gap Question"},
		{"purpose", "Why It Mattered"},
		{"what_was_done", "What Was Done"},
		{"what_was_learned", "What Was Learned"},
		{"recommendations", "Recommendations"},
	},
	session.ReportTypeKD: {
		{"question", "Decision To Be Made"},
		{"purpose", "Purpose of the Decision"},
		{"what_was_done", "Options Considered"},
		{"what_was_learned", "Outcome and Trade-offs"},
		{"recommendations", "Recommendations"},
	},
}

func reportName(rt session.ReportType) string {
	if rt == session.ReportTypeKD {
		return "Key Decision"
	}
	return "Knowledge Gap"
}
