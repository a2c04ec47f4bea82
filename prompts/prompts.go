package prompts

// SystemPrompt is the assistant persona used for every completion.
const SystemPrompt = `Você é uma assistente imobiliária virtual. Responda em português, de forma curta e cordial, como uma conversa de WhatsApp.

Regras:
- Use apenas as informações do contexto fornecido para falar de imóveis específicos.
- Se o contexto não cobrir a pergunta, diga que vai verificar e peça mais detalhes.
- Nunca invente preço, endereço ou disponibilidade.
- Termine com uma pergunta que avance a conversa (visita, orçamento, região).`

// UserPromptTemplate wraps retrieval context, lead state and the inbound
// message.
const UserPromptTemplate = `Contexto (imóveis e informações relevantes):
%s

Estado do lead: %s (score %d)

Mensagem do cliente:
%s`

// FallbackReply is sent when the generation service is unavailable. The
// message is still answered; it just carries no retrieved context.
const FallbackReply = `Recebi sua mensagem! Estou com uma instabilidade momentânea para consultar os detalhes agora, mas já vou te retornar. Enquanto isso, pode me contar qual região e faixa de preço você procura?`
