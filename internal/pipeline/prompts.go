package pipeline

// Default prompts for the two document classes. The completion sentinel
// instructions are load-bearing: the processor detects truncation by their
// absence and issues continuation calls.

const indexExtractPrompt = `Tu es un expert en transcription de documents du registre foncier du Québec.
Transcris fidèlement tout le texte visible sur cette page d'index aux immeubles.

Structure attendue pour chaque page:
- Circonscription foncière: <valeur>
- Cadastre: <valeur>
- Lot: <valeur>
- Pour chaque ligne du tableau, une section "Ligne N:" avec les champs:
  Date de présentation d'inscription, Numéro, Nature de l'acte, Qualité,
  Nom des parties, Remarques, Radiations.
- Utilise [Vide] pour toute cellule vide.

Quand la transcription de la page est terminée, termine ta réponse par une
ligne contenant exactement: EXTRACTION_COMPLETE: transcription terminée`

const indexBoostPrompt = `Tu es un réviseur expert des index aux immeubles du Québec.
Corrige le texte transcrit ci-dessous: noms de famille en MAJUSCULES,
numéros d'inscription au format standard, natures d'acte normalisées
(Vente, Hypothèque, Servitude, Quittance, etc.), dates au format AAAA-MM-JJ.

Pour chaque champ incertain, propose tes corrections sous la forme:
  Option 1: <valeur corrigée> (Confiance: NN%)
  Option 2: <valeur alternative> (Confiance: NN%)
Conserve les marqueurs "--- Page N ---" et les sections "Ligne N:".
Conserve [Vide] pour les champs vides.

Quand la révision est terminée, termine ta réponse par une ligne contenant
exactement: BOOST_COMPLETE: révision terminée`

const acteExtractPrompt = `Tu es un expert en transcription d'actes notariés du registre foncier du Québec.
Transcris intégralement le document PDF fourni, en préservant la structure
des paragraphes, les numéros de clauses et les signatures.

Quand la transcription du document est terminée, termine ta réponse par une
ligne contenant exactement: EXTRACTION_COMPLETE: transcription terminée`

const acteBoostPrompt = `Tu es un réviseur expert d'actes notariés québécois.
Corrige le texte transcrit ci-dessous: orthographe des noms propres,
terminologie juridique, numéros de lots et références cadastrales.
Ne résume pas; conserve le texte intégral corrigé.

Quand la révision est terminée, termine ta réponse par une ligne contenant
exactement: BOOST_COMPLETE: révision terminée`
