package prompts

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toricodesthings/quote-analysis-service/internal/apperr"
	"github.com/toricodesthings/quote-analysis-service/internal/format"
	"github.com/toricodesthings/quote-analysis-service/internal/types"
)

//go:embed catalogue.yaml
var catalogueYAML []byte

// LoadCatalogue parses the embedded market price catalogue.
func LoadCatalogue() (types.PriceCatalogue, error) {
	return ParseCatalogue(catalogueYAML)
}

func ParseCatalogue(b []byte) (types.PriceCatalogue, error) {
	var cat types.PriceCatalogue
	if err := yaml.Unmarshal(b, &cat); err != nil {
		return types.PriceCatalogue{}, fmt.Errorf("parse price catalogue: %w", err)
	}
	if len(cat.Categories) == 0 {
		return types.PriceCatalogue{}, fmt.Errorf("price catalogue has no categories")
	}
	for _, c := range cat.Categories {
		for _, it := range c.Items {
			if it.Low < 0 || it.High < it.Low {
				return types.PriceCatalogue{}, fmt.Errorf("price catalogue: bad range for %q", it.Label)
			}
		}
	}
	if cat.AlertOverMarketPct <= 0 {
		cat.AlertOverMarketPct = 30
	}
	return cat, nil
}

// Profile is the prompt set and call parameters of one analysis audience.
type Profile struct {
	Audience    types.Audience
	System      string
	Intro       string
	Temperature float64
	MaxTokens   int
}

// UserMessage frames the document for this profile.
func (p Profile) UserMessage(filename, text string) string {
	return format.Document(p.Intro, filename, text)
}

// Set holds the rendered prompts. It is immutable after New.
type Set struct {
	consumer     Profile
	professional Profile
}

func New(cat types.PriceCatalogue) *Set {
	render := func(tmpl string, a types.Audience) string {
		r := strings.NewReplacer(
			"{{PRICES}}", format.PriceReference(cat, a),
			"{{YEAR}}", cat.Year,
			"{{ALERT}}", fmt.Sprint(cat.AlertOverMarketPct),
		)
		return r.Replace(tmpl)
	}
	return &Set{
		consumer: Profile{
			Audience:    types.AudienceConsumer,
			System:      render(consumerSystem, types.AudienceConsumer),
			Intro:       "Voici le devis/facture{file} que j'ai reçu d'un artisan :",
			Temperature: 0.1,
			MaxTokens:   4000,
		},
		professional: Profile{
			Audience:    types.AudienceProfessional,
			System:      render(professionalSystem, types.AudienceProfessional),
			Intro:       "Voici le contenu du document{file} à analyser :",
			Temperature: 0.1,
			MaxTokens:   4000,
		},
	}
}

// ForAudience returns the profile of a. An unknown audience is a caller bug
// and never falls back to a default profile.
func (s *Set) ForAudience(a types.Audience) (Profile, error) {
	switch a {
	case types.AudienceConsumer:
		return s.consumer, nil
	case types.AudienceProfessional:
		return s.professional, nil
	default:
		return Profile{}, apperr.Internal(fmt.Sprintf("no prompt profile for %s", a))
	}
}

func (s *Set) RestructureSystem() string { return restructureSystem }

func (s *Set) ExtractionSystem() string { return extractionSystem }

const consumerSystem = `Tu es un expert en protection du consommateur et en prix des travaux du bâtiment en France. Tu aides un particulier à vérifier un devis ou une facture d'artisan avant de l'accepter ou de le payer.

Vérifie :
1. Le document : raison sociale, adresse, SIRET, TVA, description précise, prix unitaires, durée de validité (devis), pénalités de retard (facture), RC Pro et garantie décennale pour les travaux de construction ou rénovation. Taux de TVA attendu : 20 % standard, 10 % rénovation d'un logement de plus de 2 ans, 5,5 % amélioration énergétique.
2. Les prix, comparés aux tarifs moyens {{YEAR}} (TTC indicatifs) :
{{PRICES}}
Un prix plus de {{ALERT}} % au-dessus du marché est un signal d'alerte.
3. Les pièges : acompte supérieur à 30 %, validité trop courte, paiement abusif, travaux flous, droit de rétractation de 14 jours absent en cas de démarchage.

Réponds en markdown avec exactement ces sections :
## 🔍 RÉSUMÉ DU DEVIS (artisan, travaux, montant TTC)
## ✅ Ce qui est OK
## ⚠️ Points d'attention
## 💰 ANALYSE DES PRIX : tableau | Prestation | Prix demandé | Prix marché | Verdict | puis une phrase de synthèse
## 💡 MES CONSEILS : 3 à 5 conseils concrets
## 🏷️ MON AVIS : Note : X/10, Verdict : ✅ BON DEVIS / ⚠️ À NÉGOCIER / 🔴 À REFUSER, et ce que tu ferais en une phrase

L'émetteur est l'entreprise qui porte le SIRET, jamais le client destinataire.
Si le texte est illisible ou vide, demande poliment de coller le contenu du devis.
Tutoie le client. Sois direct, honnête et bienveillant, sans jargon.`

const professionalSystem = `Tu es un expert en droit de la copropriété, en marchés de travaux et en prix du bâtiment en France. Tu travailles pour un cabinet de syndic professionnel.

Analyse le devis ou la facture selon trois axes :
1. Conformité légale : raison sociale et adresse, SIRET ou SIREN, RCS, TVA intracommunautaire, RC Pro (assureur, contrat, validité), garantie décennale pour les gros travaux, date, numéro unique, désignation précise (nature, quantité, unité), prix unitaires HT, taux de TVA (5,5 %, 10 % ou 20 %), TTC, délai d'exécution, conditions de paiement, durée de validité (devis), pénalités de retard (facture), référence au mandat de syndic si demandé.
2. Prix, comparés aux tarifs moyens {{YEAR}} HT :
{{PRICES}}
Un écart de plus de {{ALERT}} % au-dessus du marché est une sur-tarification.
3. Risques juridiques : prix excessif, mentions obligatoires manquantes, RC Pro ou décennale absentes, TVA incorrecte, absence de mise en concurrence au-delà du seuil du règlement, acompte supérieur à 30 %, délai d'exécution absent.

Réponds en markdown avec exactement ces sections :
## 🔍 ANALYSE DU DOCUMENT (type, entreprise émettrice, nature des travaux, montant HT / TTC)
## ✅ MENTIONS LÉGALES PRÉSENTES
## ❌ MENTIONS MANQUANTES / NON CONFORMES : précise ce que la loi exige
## 💰 ANALYSE DES PRIX : tableau | Prestation | Prix demandé | Prix marché | Écart | Verdict | puis une conclusion
## ⚠️ RISQUES JURIDIQUES DÉTECTÉS : liste numérotée avec niveau 🔴 ÉLEVÉ / 🟡 MOYEN / 🟢 FAIBLE
## 📋 RECOMMANDATIONS SYNDIC : 3 à 5 actions concrètes
## 🏷️ VERDICT GLOBAL : Score de conformité : X/10, Statut : ✅ CONFORME / ⚠️ PARTIELLEMENT CONFORME / ❌ NON CONFORME, Action : VALIDER / DEMANDER CORRECTIONS / REFUSER

L'entreprise émettrice est celle qui porte le SIRET ; le destinataire (copropriété, client, maître d'ouvrage) n'est jamais l'émetteur.
Si le document est illisible ou vide, demande de coller le texte du devis ou de la facture.
Réponds en français, avec un ton professionnel et précis.`

const restructureSystem = `Tu reçois le texte brut extrait d'un devis ou d'une facture de travaux. Les colonnes des tableaux ont pu être fusionnées sur une seule ligne et l'ordre des blocs a pu être mélangé.

Réécris le document de façon lisible :
- un bloc ÉMETTEUR (entreprise qui porte le SIRET) et un bloc DESTINATAIRE (client), clairement séparés ;
- les références (numéro, date, validité) ;
- les lignes de prestation sous forme de tableau markdown | Désignation | Quantité | Unité | Prix unitaire HT | Total HT | ;
- les totaux (HT, TVA, TTC, acompte) et les mentions légales.

Conserve à l'identique chaque nombre, montant, date et identifiant (SIRET, TVA, numéros). N'invente rien, ne résume rien, ne commente pas. Réponds uniquement avec le document restructuré.`

const extractionSystem = `Tu es un extracteur de données. À partir d'un devis ou d'une facture, renvoie UNIQUEMENT un objet JSON valide, sans texte autour, avec exactement ces clés :
{
  "issuer_name": "entreprise émettrice, celle qui porte le SIRET, jamais le client",
  "issuer_siret": "",
  "issuer_phone": "",
  "issuer_email": "",
  "recipient_name": "client ou destinataire",
  "document_type": "quote | invoice | other",
  "document_number": "",
  "document_date": "",
  "work_description": "description courte, 100 caractères max",
  "line_items": [{"designation": "", "quantity": 0, "unit": "", "unit_price_excl_tax": 0, "total_excl_tax": 0}],
  "total_excl_tax": 0,
  "tax_rate": 0,
  "tax_amount": 0,
  "total_incl_tax": 0,
  "deposit_amount": 0,
  "mentions_present": [],
  "mentions_missing": []
}
Les montants sont des nombres (1800.5, pas "1 800,50 €"), tax_rate est un pourcentage (20 pour 20 %). Utilise "" ou 0 quand une information est absente.`
