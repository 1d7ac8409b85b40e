package sentiment

// Word valences on a -3..+3 scale. Keys are case-folded.
var lexicon = map[string]float64{
	// positive
	"good":        2,
	"great":       3,
	"excellent":   3,
	"amazing":     3,
	"awesome":     3,
	"wonderful":   3,
	"fantastic":   3,
	"brilliant":   3,
	"perfect":     3,
	"love":        3,
	"loved":       3,
	"loving":      2,
	"like":        1,
	"liked":       1,
	"enjoy":       2,
	"enjoyed":     2,
	"happy":       3,
	"glad":        2,
	"pleased":     2,
	"delighted":   3,
	"excited":     2,
	"thrilled":    3,
	"grateful":    2,
	"thankful":    2,
	"thanks":      1,
	"thank":       1,
	"nice":        2,
	"cool":        1,
	"fun":         2,
	"helpful":     2,
	"useful":      1,
	"beautiful":   2,
	"calm":        1,
	"relaxed":     2,
	"relieved":    2,
	"proud":       2,
	"hopeful":     2,
	"optimistic":  2,
	"confident":   2,
	"fine":        1,
	"better":      1,
	"best":        2,
	"win":         2,
	"won":         2,
	"success":     2,
	"successful":  2,
	"cheerful":    2,
	"joy":         3,
	"yay":         2,
	"lovely":      2,
	"superb":      3,
	"sunny":       1,
	"congrats":    2,
	"celebrate":   2,
	"appreciate":  2,
	"recommend":   1,
	"impressive":  2,
	"satisfied":   2,
	"comfortable": 1,
	"peaceful":    2,
	"safe":        1,
	"ok":          0.5,
	"okay":        0.5,
	"smile":       2,
	"laugh":       2,
	"positive":    1,
	"well":        0.5,
	"easy":        1,
	"friendly":    2,
	"kind":        1,
	"interesting": 1,
	"wow":         2,

	// negative
	"bad":           -2,
	"terrible":      -3,
	"awful":         -3,
	"horrible":      -3,
	"worst":         -3,
	"worse":         -2,
	"hate":          -3,
	"hated":         -3,
	"sad":           -2,
	"unhappy":       -2,
	"depressed":     -3,
	"depressing":    -2,
	"miserable":     -3,
	"hopeless":      -3,
	"lonely":        -2,
	"alone":         -1,
	"anxious":       -2,
	"anxiety":       -2,
	"worried":       -2,
	"worry":         -2,
	"scared":        -2,
	"afraid":        -2,
	"fear":          -2,
	"nervous":       -1,
	"stressed":      -2,
	"stress":        -2,
	"stressful":     -2,
	"overwhelmed":   -2,
	"exhausted":     -2,
	"tired":         -1,
	"angry":         -2,
	"mad":           -2,
	"furious":       -3,
	"annoyed":       -2,
	"annoying":      -2,
	"frustrated":    -2,
	"frustrating":   -2,
	"upset":         -2,
	"hurt":          -2,
	"pain":          -2,
	"painful":       -2,
	"cry":           -2,
	"crying":        -2,
	"cried":         -2,
	"tears":         -2,
	"grief":         -3,
	"grieving":      -3,
	"heartbroken":   -3,
	"devastated":    -3,
	"disappointed":  -2,
	"disappointing": -2,
	"fail":          -2,
	"failed":        -2,
	"failure":       -2,
	"lost":          -1,
	"lose":          -1,
	"losing":        -1,
	"broke":         -1,
	"broken":        -2,
	"sick":          -2,
	"ill":           -1,
	"boring":        -1,
	"bored":         -1,
	"useless":       -2,
	"worthless":     -3,
	"stupid":        -2,
	"ugly":          -2,
	"wrong":         -1,
	"problem":       -1,
	"problems":      -1,
	"trouble":       -1,
	"difficult":     -1,
	"hard":          -1,
	"struggle":      -2,
	"struggling":    -2,
	"suffer":        -2,
	"suffering":     -3,
	"died":          -2,
	"death":         -2,
	"dead":          -2,
	"awkward":       -1,
	"embarrassed":   -2,
	"ashamed":       -2,
	"guilty":        -2,
	"regret":        -2,
	"sorry":         -1,
	"unfortunately": -1,
	"disaster":      -3,
	"crisis":        -2,
	"panic":         -2,
	"desperate":     -3,
	"hurting":       -2,
	"lousy":         -2,
	"sucks":         -2,
	"poor":          -1,
	"negative":      -1,
	"ruined":        -2,
	"nightmare":     -3,
	"helpless":      -3,
	"empty":         -1,
	"numb":          -2,
}

var intensifiers = map[string]float64{
	"very":       1.5,
	"really":     1.4,
	"so":         1.4,
	"extremely":  1.8,
	"incredibly": 1.7,
	"super":      1.4,
	"totally":    1.3,
	"absolutely": 1.5,
	"completely": 1.5,
	"truly":      1.3,
	"deeply":     1.5,
	"quite":      1.2,
	"too":        1.2,
	"slightly":   0.5,
	"somewhat":   0.6,
	"bit":        0.7,
	"little":     0.7,
	"kinda":      0.7,
	"barely":     0.4,
}

var negators = map[string]bool{
	"not":     true,
	"no":      true,
	"never":   true,
	"nothing": true,
	"nobody":  true,
	"neither": true,
	"nor":     true,
	"without": true,
	"hardly":  true,
	"cannot":  true,
}

var positiveEmoticons = []string{":)", ":-)", ":D", "😊", "😀", "😄", "🙂", "❤️", "👍"}

var negativeEmoticons = []string{":(", ":-(", ":'(", "😢", "😭", "😞", "😔", "💔", "👎"}
