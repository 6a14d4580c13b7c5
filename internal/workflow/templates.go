package workflow

import (
	"fmt"
	"strings"

	"quote-intake/internal/extract"
	"quote-intake/internal/models"
)

var fieldLabels = map[string]string{
	extract.FieldMaterial:      "Material de las piezas",
	extract.FieldQuantity:      "Cantidad de piezas",
	extract.FieldDimensions:    "Dimensiones principales o plano acotado",
	extract.FieldTolerances:    "Tolerancias requeridas",
	extract.FieldSurfaceFinish: "Acabado superficial o tratamiento",
	extract.FieldDeadline:      "Plazo de entrega deseado",
}

// FieldLabel 字段在客户邮件中的西语描述
func FieldLabel(field string) string {
	if label, ok := fieldLabels[field]; ok {
		return label
	}
	return field
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Su solicitud de presupuesto"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func greeting(req *models.QuotationRequest) string {
	if name := strings.TrimSpace(req.Customer.Name); name != "" {
		return "Estimado/a " + name + ":"
	}
	return "Estimado/a cliente:"
}

func confirmationEmail(req *models.QuotationRequest, email models.InboundEmail) models.OutboundEmail {
	var b strings.Builder
	b.WriteString(greeting(req) + "\n\n")
	b.WriteString("Hemos recibido su solicitud de presupuesto y ya estamos trabajando en ella.\n")
	if n := len(email.Attachments); n > 0 {
		fmt.Fprintf(&b, "Hemos registrado %d archivo(s) adjunto(s).\n", n)
	}
	fmt.Fprintf(&b, "Referencia de su solicitud: %s\n\n", req.ID)
	b.WriteString("Le responderemos en este mismo hilo si necesitamos más información.\n\n")
	b.WriteString("Un saludo,\nDepartamento de presupuestos")
	return models.OutboundEmail{Subject: replySubject(req.Subject), Body: b.String()}
}

func infoRequestEmail(req *models.QuotationRequest) models.OutboundEmail {
	var b strings.Builder
	b.WriteString(greeting(req) + "\n\n")
	b.WriteString("Para poder preparar su presupuesto necesitamos la siguiente información:\n\n")
	for _, field := range req.MissingInfo {
		b.WriteString("- " + FieldLabel(field) + "\n")
	}
	b.WriteString("\nPuede responder directamente a este correo.\n")
	fmt.Fprintf(&b, "Referencia de su solicitud: %s\n\n", req.ID)
	b.WriteString("Un saludo,\nDepartamento de presupuestos")
	return models.OutboundEmail{Subject: replySubject(req.Subject), Body: b.String()}
}
