package prompts

import "strings"

// Context selects which instruction the conversational service runs under.
type Context string

const (
	ContextInitial           Context = "initial"
	ContextProductSearch     Context = "product_search"
	ContextResultInteraction Context = "result_interaction"
	ContextNoResults         Context = "no_results"
	ContextError             Context = "error"
	ContextProductDetail     Context = "product_detail"
)

// Tag prefixes every instruction frame. Frames carrying it are never shown
// as chat messages.
const Tag = "[SYSTEM PROMPT] "

var instructions = map[Context]string{
	ContextInitial: `You are a product search assistant. Your only job is to help users find products with the product_search tool.

1. Use product_search for any mention of a product.
2. Do not answer before running product_search.
3. Do not announce the search ("Let me look that up"); run it.

Search first, then summarize the results.`,

	ContextProductSearch: `Run product_search immediately for every user message. No introductions and no explanations before searching.

Present results in this format:
"Here are some products that might interest you:

1. [Product Name] - Description. Price: $XX.XX
2. [Product Name] - Description. Price: $XX.XX

These results are based on the search term '[query]'."

If nothing matches, say so briefly without suggestions or apologies.`,

	ContextResultInteraction: `Products were found. Present each with its name, a short description, the price and key features. Never include signed_url links.

Answer questions about the listed products and compare them when asked. Run product_search again for refined or related queries.

Only make claims that are backed by the search results.`,

	ContextNoResults: `No products were found. Say "No matching products were found." and nothing more: no suggestions, no apologies, no speculation about unavailable products.

Keep using product_search for new queries.`,

	ContextError: `The search failed. Say briefly that the search encountered an issue and ask the user to try again with a more specific query.`,

	ContextProductDetail: `The user selected a specific product.

First response: give an overview with the product name, its category, its key features as a bulleted list and its price, then ask what they would like to know.

Later responses: answer questions about features, specifications, usage, pricing and comparisons using only the available product data. If something is not in the data, say that it is not available. Keep referring to the product by name.`,
}

// Instruction returns the tagged instruction frame text for ctx. Unknown
// contexts fall back to the initial instruction.
func Instruction(ctx Context) string {
	text, ok := instructions[ctx]
	if !ok {
		text = instructions[ContextInitial]
	}
	return Tag + text
}

// IsInstruction reports whether text is an instruction frame.
func IsInstruction(text string) bool {
	return strings.HasPrefix(text, strings.TrimSpace(Tag))
}

// Contexts lists every context in declaration order.
func Contexts() []Context {
	return []Context{
		ContextInitial,
		ContextProductSearch,
		ContextResultInteraction,
		ContextNoResults,
		ContextError,
		ContextProductDetail,
	}
}
